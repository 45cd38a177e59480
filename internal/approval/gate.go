package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a Wait ended.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeBusy means another Wait already holds the key.
	OutcomeBusy Outcome = "busy"
)

// DefaultEarlyTTL bounds how long a resolution that arrived before its Wait is kept.
const DefaultEarlyTTL = 2 * time.Minute

// slot is the per-key state: waiting until a verdict lands in ch, then
// removed by the waiter. A slot created by an early Resolve carries an expiry.
type slot struct {
	ch       chan bool // buffered, receives exactly one verdict
	waiting  bool
	resolved bool
	expires  time.Time
}

// Gate parks sessions until an unrelated inbound event (a button press, an
// HTTP call) resolves their key. One Gate serves the whole process.
type Gate struct {
	mu    sync.Mutex
	slots map[string]*slot
	ttl   time.Duration
	now   func() time.Time
}

// NewGate creates a Gate. earlyTTL <= 0 selects DefaultEarlyTTL.
func NewGate(earlyTTL time.Duration) *Gate {
	if earlyTTL <= 0 {
		earlyTTL = DefaultEarlyTTL
	}
	return &Gate{
		slots: make(map[string]*slot),
		ttl:   earlyTTL,
		now:   time.Now,
	}
}

// NewKey returns a fresh key. Keys are never reused, so a stale button press
// cannot approve a later prompt.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Wait registers key and blocks until Resolve, the timeout, or ctx ends.
// A timeout or cancellation counts as rejection. If the key was resolved
// before Wait, the stored verdict is returned immediately.
func (g *Gate) Wait(ctx context.Context, key string, timeout time.Duration) (bool, Outcome) {
	g.mu.Lock()
	g.sweepLocked()
	s := g.slots[key]
	if s == nil {
		s = &slot{ch: make(chan bool, 1)}
		g.slots[key] = s
	}
	if s.waiting {
		g.mu.Unlock()
		return false, OutcomeBusy
	}
	s.waiting = true
	g.mu.Unlock()

	defer g.release(key, s)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-s.ch:
		if approved {
			return true, OutcomeApproved
		}
		return false, OutcomeRejected
	case <-timer.C:
		return false, OutcomeTimeout
	case <-ctx.Done():
		return false, OutcomeCancelled
	}
}

func (g *Gate) release(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots[key] == s {
		delete(g.slots, key)
	}
}

// Resolve delivers a verdict for key. It reports whether a waiter received
// it. The first verdict wins; later ones for the same key are dropped. A
// verdict for a key nobody waits on yet is held until the early TTL passes.
func (g *Gate) Resolve(key string, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked()

	s := g.slots[key]
	if s == nil {
		s = &slot{ch: make(chan bool, 1), expires: g.now().Add(g.ttl)}
		g.slots[key] = s
	}
	if s.resolved {
		return false
	}
	s.resolved = true
	s.ch <- approved
	return s.waiting
}

// Pending returns the number of sessions currently waiting.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.slots {
		if s.waiting {
			n++
		}
	}
	return n
}

// Len returns the number of live slots, waiting or held early.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked()
	return len(g.slots)
}

func (g *Gate) sweepLocked() {
	now := g.now()
	for k, s := range g.slots {
		if !s.waiting && !s.expires.IsZero() && now.After(s.expires) {
			delete(g.slots, k)
		}
	}
}
