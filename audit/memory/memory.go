// Package memory provides an in-process ring buffer implementation of
// audit.Sink. Retention is bounded and state is lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/ggoodman/cobrowse-go/audit"
)

var _ audit.Sink = (*Ring)(nil)

// Option configures a Ring.
type Option func(*Ring)

// WithClock sets the clock used to stamp entries.
func WithClock(c clock.Clock) Option {
	return func(r *Ring) { r.clock = c }
}

// WithCapacity sets how many entries are retained. Defaults to
// audit.MaxEntries.
func WithCapacity(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.buf = make([]audit.Entry, n)
		}
	}
}

// Ring keeps the most recent entries, evicting the oldest when full.
type Ring struct {
	clock clock.Clock

	mu   sync.RWMutex
	buf  []audit.Entry
	next int
	size int
}

// New creates an empty Ring.
func New(opts ...Option) *Ring {
	r := &Ring{
		clock: clock.New(),
		buf:   make([]audit.Entry, audit.MaxEntries),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements audit.Sink.
func (r *Ring) Record(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	return nil
}

// Query implements audit.Sink.
func (r *Ring) Query(ctx context.Context, limit int) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = audit.NormalizeLimit(limit)

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := min(limit, r.size)
	out := make([]audit.Entry, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := range n {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out, nil
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
