package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var _ Sink = (*Async)(nil)

const (
	defaultAsyncBuffer  = 1024
	defaultWriteTimeout = 2 * time.Second
)

// AsyncOption configures an Async sink.
type AsyncOption func(*Async)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) { a.log = l }
}

// WithBuffer sets how many entries may wait for the backing sink.
func WithBuffer(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.bufSize = n
		}
	}
}

// WithWriteTimeout bounds each write to the backing sink.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// Async decouples callers from a backing Sink. Record enqueues and returns
// immediately; a single goroutine writes entries in order. When the buffer
// is full the entry is dropped and counted.
type Async struct {
	next         Sink
	log          *slog.Logger
	bufSize      int
	writeTimeout time.Duration

	mu      sync.RWMutex
	ch      chan Entry
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	now     func() time.Time
}

// NewAsync starts the writer goroutine. Call Close to flush and stop it.
func NewAsync(next Sink, opts ...AsyncOption) *Async {
	a := &Async{
		next:         next,
		log:          slog.New(slog.DiscardHandler),
		bufSize:      defaultAsyncBuffer,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ch = make(chan Entry, a.bufSize)
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		if err := a.next.Record(ctx, e); err != nil {
			a.log.WarnContext(ctx, "audit.record.fail",
				slog.String("type", string(e.Type)),
				slog.String("sid", e.SessionID),
				slog.String("err", err.Error()),
			)
		}
		cancel()
	}
}

// Record stamps e with the current time when unset and enqueues it.
func (a *Async) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = a.now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- e:
	default:
		if n := a.dropped.Add(1); n&(n-1) == 0 {
			// Log on powers of two to keep a saturated sink from flooding.
			a.log.WarnContext(ctx, "audit.record.drop", slog.Int64("dropped", n))
		}
	}
	return nil
}

// Query reads through to the backing sink.
func (a *Async) Query(ctx context.Context, limit int) ([]Entry, error) {
	return a.next.Query(ctx, limit)
}

// Dropped returns the number of entries discarded because the buffer was
// full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting entries and waits until the queued ones have been
// written or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
