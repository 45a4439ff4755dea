package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FlushFn persists one ordered batch. An error re-queues the exact batch at
// the front of the buffer for the next attempt.
type FlushFn func(ctx context.Context, batch []*Event) error

// BufferConfig tunes the telemetry buffer.
type BufferConfig struct {
	BufferSize    int           // batch size and pending-count flush trigger
	FlushInterval time.Duration // time-based flush trigger
}

func (c *BufferConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
}

// Buffer batches events in memory and hands them to flushFn either when
// BufferSize events are pending or every FlushInterval, whichever comes
// first. Batches keep strict emission order, including across flush failures
// and retries. Only one flush runs at a time.
type Buffer struct {
	cfg     BufferConfig
	flushFn FlushFn
	log     *slog.Logger

	mu       sync.Mutex
	pending  []*Event
	inFlight bool
	dropped  uint64

	// OnFlushed and OnError are invoked outside the buffer lock. OnDropped
	// fires once per event discarded under backpressure.
	OnFlushed func(count int)
	OnError   func(err error)
	OnDropped func()

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBuffer creates a buffer and starts its interval flusher.
func NewBuffer(cfg BufferConfig, flushFn FlushFn, log *slog.Logger) *Buffer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	b := &Buffer{
		cfg:     cfg,
		flushFn: flushFn,
		log:     log,
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.intervalLoop()
	return b
}

// Add queues one event. When the pending count reaches BufferSize a flush is
// kicked off; if a flush is already in flight and the buffer is at capacity,
// the oldest pending event is dropped so memory stays bounded.
func (b *Buffer) Add(event *Event) {
	b.mu.Lock()
	dropped := false
	if len(b.pending) >= b.cfg.BufferSize && b.inFlight {
		b.pending = b.pending[1:]
		b.dropped++
		dropped = true
	}
	b.pending = append(b.pending, event)
	trigger := len(b.pending) >= b.cfg.BufferSize && !b.inFlight
	b.mu.Unlock()

	if dropped && b.OnDropped != nil {
		b.OnDropped()
	}
	if trigger {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flushLoop(context.Background())
		}()
	}
}

// Pending returns the number of buffered events not yet handed to flushFn.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the number of events discarded under backpressure.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) intervalLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushLoop(context.Background())
		case <-b.stop:
			return
		}
	}
}

// flushLoop flushes batches until the buffer no longer holds a full batch.
func (b *Buffer) flushLoop(ctx context.Context) {
	for {
		if !b.flushOnce(ctx) {
			return
		}
	}
}

// flushOnce takes one batch from the front and flushes it. Returns true when
// another full batch is still pending.
func (b *Buffer) flushOnce(ctx context.Context) bool {
	b.mu.Lock()
	if b.inFlight || len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	n := b.cfg.BufferSize
	if n > len(b.pending) {
		n = len(b.pending)
	}
	batch := b.pending[:n:n]
	b.pending = b.pending[n:]
	b.inFlight = true
	b.mu.Unlock()

	err := b.safeFlush(ctx, batch)

	b.mu.Lock()
	b.inFlight = false
	if err != nil {
		// Re-queue the exact batch at the front, original order.
		b.pending = append(batch, b.pending...)
	}
	more := err == nil && len(b.pending) >= b.cfg.BufferSize
	b.mu.Unlock()

	if err != nil {
		b.log.Warn("telemetry flush failed, batch re-queued", "count", len(batch), "error", err)
		if b.OnError != nil {
			b.OnError(err)
		}
		return false
	}
	if b.OnFlushed != nil {
		b.OnFlushed(len(batch))
	}
	return more
}

func (b *Buffer) safeFlush(ctx context.Context, batch []*Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &flushPanicError{value: r}
		}
	}()
	return b.flushFn(ctx, batch)
}

type flushPanicError struct{ value any }

func (e *flushPanicError) Error() string { return "telemetry flush panicked" }

// Shutdown stops the interval flusher and drains everything pending in
// batches of BufferSize. It returns the first flush error, leaving the
// unflushed remainder in place.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()

	for {
		b.mu.Lock()
		remaining := len(b.pending)
		b.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b.mu.Lock()
		n := b.cfg.BufferSize
		if n > len(b.pending) {
			n = len(b.pending)
		}
		batch := b.pending[:n:n]
		b.pending = b.pending[n:]
		b.mu.Unlock()

		if err := b.safeFlush(ctx, batch); err != nil {
			b.mu.Lock()
			b.pending = append(batch, b.pending...)
			b.mu.Unlock()
			return err
		}
		if b.OnFlushed != nil {
			b.OnFlushed(len(batch))
		}
	}
}
