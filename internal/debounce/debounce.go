// Package debounce coalesces bursts of chat messages into one.
package debounce

import (
	"strings"
	"sync"
	"time"
)

// Handler receives the combined text of a burst and the latest metadata.
type Handler[T any] func(text string, meta T)

type pending[T any] struct {
	texts []string
	meta  T
	fn    Handler[T]
	timer *time.Timer
	gen   uint64
}

// Debouncer buffers texts per key and fires once per quiet window.
type Debouncer[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pending[T]
	gen     uint64
	stopped bool
}

// New creates a Debouncer with the given quiet window.
func New[T any](window time.Duration) *Debouncer[T] {
	return &Debouncer[T]{
		window:  window,
		pending: make(map[string]*pending[T]),
	}
}

// SetWindow changes the quiet window for timers started afterwards.
func (d *Debouncer[T]) SetWindow(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

// Add buffers text under key and (re)starts the key's timer. When the window
// passes without another Add for the key, fn is called once with every
// buffered text joined by "\n", in arrival order. The latest meta and fn win.
func (d *Debouncer[T]) Add(key, text string, meta T, fn Handler[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	p := d.pending[key]
	if p == nil {
		p = &pending[T]{}
		d.pending[key] = p
	} else if p.timer != nil {
		p.timer.Stop()
	}

	d.gen++
	gen := d.gen
	p.texts = append(p.texts, text)
	p.meta = meta
	p.fn = fn
	p.gen = gen
	p.timer = time.AfterFunc(d.window, func() { d.fire(key, gen) })
}

// fire runs when a timer expires. A timer that was superseded by a later Add
// carries an old generation and does nothing, even if Stop came too late.
func (d *Debouncer[T]) fire(key string, gen uint64) {
	d.mu.Lock()
	p := d.pending[key]
	if p == nil || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn(strings.Join(p.texts, "\n"), p.meta)
}

// Len returns the number of keys with a pending burst.
func (d *Debouncer[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer. Buffered texts are dropped.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
	}
}
