package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(entry Entry)
}

// DefaultBufferSize is the entry queue length used when NewAsync is given
// a non-positive size.
const DefaultBufferSize = 1024

// Async queues entries and writes them from a single background goroutine.
// Entries arriving while the queue is full are dropped and counted.
type Async struct {
	w       Writer
	log     *slog.Logger
	queue   chan Entry
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts the writer goroutine. Close must be called to flush it.
func NewAsync(w Writer, size int, log *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		w:     w,
		log:   log,
		queue: make(chan Entry, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.w.Write(ctx, e); err != nil {
			a.log.Warn("request log write failed", "error", err, "route", e.Route)
		}
		cancel()
	}
}

// Record enqueues entry, dropping it if the queue is full or closed.
func (a *Async) Record(entry Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- entry:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded so far.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting entries and waits for queued ones to be written,
// or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
