package approval

import (
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy decides which interrupts are approved without asking. Patterns
// come from config and can be swapped on reload; a thread can also be put
// in accept-all mode for the rest of its life.
type Policy struct {
	mu        sync.RWMutex
	patterns  []string
	acceptAll map[string]bool // threadID
}

// NewPolicy creates a Policy from glob patterns over action names.
func NewPolicy(patterns []string) *Policy {
	p := &Policy{acceptAll: make(map[string]bool)}
	p.SetPatterns(patterns)
	return p
}

// SetPatterns replaces the patterns. Invalid patterns are logged and dropped.
func (p *Policy) SetPatterns(patterns []string) {
	valid := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			slog.Warn("approval: invalid auto-approve pattern", "pattern", pat)
			continue
		}
		valid = append(valid, pat)
	}
	p.mu.Lock()
	p.patterns = valid
	p.mu.Unlock()
}

// AcceptAll puts a thread in accept-all mode.
func (p *Policy) AcceptAll(threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptAll[threadID] = true
}

// Forget drops per-thread state.
func (p *Policy) Forget(threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.acceptAll, threadID)
}

// Allows reports whether every action of d is pre-approved for the thread.
// Generic interrupts without actions always need a human.
func (p *Policy) Allows(threadID string, d *InterruptData) bool {
	if p == nil || d == nil || len(d.Actions) == 0 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.acceptAll[threadID] {
		return true
	}
	for _, a := range d.Actions {
		if !p.matchLocked(a.Name) {
			return false
		}
	}
	return true
}

func (p *Policy) matchLocked(name string) bool {
	for _, pat := range p.patterns {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}
