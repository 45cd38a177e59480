// Package heartbeat lets `joi status` tell whether a `joi serve` process is
// alive and what it is holding: the serve process rewrites a small JSON file
// on an interval and removes it on shutdown.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultInterval is how often the heartbeat file is rewritten.
const DefaultInterval = 30 * time.Second

// Status represents the liveness state of the serve process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int            `json:"pid"`
	StartedAt time.Time      `json:"started_at"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Gateway   string         `json:"gateway,omitempty"`
	Scheduler string         `json:"scheduler,omitempty"`
	Gauges    map[string]int `json:"gauges,omitempty"`
}

// Probe samples runtime gauges (pending approvals, armed timers...) for
// each write.
type Probe func() map[string]int

// Options configures a Writer.
type Options struct {
	Path      string
	Interval  time.Duration
	Gateway   string // listen address
	Scheduler string // "remote" or "local"
	Probe     Probe
}

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	opts    Options
	started time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer.
func NewWriter(opts Options) *Writer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Writer{opts: opts}
}

// Start writes a first heartbeat, then keeps rewriting it in the background.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	if err := os.Remove(w.opts.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("heartbeat: remove", "path", w.opts.Path, "error", err)
	}
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
		Gateway:   w.opts.Gateway,
		Scheduler: w.opts.Scheduler,
	}
	if w.opts.Probe != nil {
		hb.Gauges = w.opts.Probe()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		slog.Warn("heartbeat: marshal", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.opts.Path), 0o755); err != nil {
		slog.Warn("heartbeat: create dir", "error", err)
		return
	}

	tmp := w.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("heartbeat: write", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, w.opts.Path); err != nil {
		slog.Warn("heartbeat: rename", "path", w.opts.Path, "error", err)
	}
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
