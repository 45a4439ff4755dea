package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureFlusher struct {
	mu      sync.Mutex
	batches [][]*Event
	fail    int // number of upcoming calls that fail
	stall   chan struct{}
}

func (f *captureFlusher) flush(ctx context.Context, batch []*Event) error {
	if f.stall != nil {
		<-f.stall
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("store unavailable")
	}
	cp := append([]*Event(nil), batch...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *captureFlusher) flushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, b := range f.batches {
		for _, e := range b {
			ids = append(ids, e.CorrelationID)
		}
	}
	return ids
}

func seqEvents(n int) []*Event {
	events := make([]*Event, n)
	for i := range events {
		e := NewEvent(EventPacketProcessed, "node-1")
		e.CorrelationID = fmt.Sprintf("%05d", i)
		events[i] = e
	}
	return events
}

func TestSizeTriggeredFlush(t *testing.T) {
	f := &captureFlusher{}
	b := NewBuffer(BufferConfig{BufferSize: 10, FlushInterval: time.Hour}, f.flush, nil)
	defer b.Shutdown(context.Background())

	for _, e := range seqEvents(10) {
		b.Add(e)
	}

	require.Eventually(t, func() bool {
		return len(f.flushedIDs()) == 10
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Pending())
}

func TestIntervalTriggeredFlush(t *testing.T) {
	f := &captureFlusher{}
	b := NewBuffer(BufferConfig{BufferSize: 1000, FlushInterval: 20 * time.Millisecond}, f.flush, nil)
	defer b.Shutdown(context.Background())

	for _, e := range seqEvents(3) {
		b.Add(e)
	}

	require.Eventually(t, func() bool {
		return len(f.flushedIDs()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestOrderPreservedAcrossFailures(t *testing.T) {
	f := &captureFlusher{fail: 2}
	b := NewBuffer(BufferConfig{BufferSize: 5, FlushInterval: 10 * time.Millisecond}, f.flush, nil)

	var flushErrs int
	var mu sync.Mutex
	b.OnError = func(err error) {
		mu.Lock()
		flushErrs++
		mu.Unlock()
	}

	// Stay below BufferSize while the failing flushes happen so no event can
	// be dropped under backpressure; ordering must hold regardless.
	events := seqEvents(8)
	for _, e := range events[:4] {
		b.Add(e)
	}
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)
	for _, e := range events[4:] {
		b.Add(e)
	}

	require.NoError(t, b.Shutdown(context.Background()))

	ids := f.flushedIDs()
	require.Len(t, ids, 8)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "order must survive retries")
	}
	mu.Lock()
	assert.GreaterOrEqual(t, flushErrs, 1)
	mu.Unlock()
}

func TestFailedBatchRequeuedAtFront(t *testing.T) {
	f := &captureFlusher{fail: 1}
	b := NewBuffer(BufferConfig{BufferSize: 4, FlushInterval: time.Hour}, f.flush, nil)

	for _, e := range seqEvents(4) {
		b.Add(e)
	}
	// First flush fails; events must still be pending.
	require.Eventually(t, func() bool { return b.Pending() == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, []string{"00000", "00001", "00002", "00003"}, f.flushedIDs())
}

func TestBoundedMemoryUnderStall(t *testing.T) {
	f := &captureFlusher{stall: make(chan struct{})}
	b := NewBuffer(BufferConfig{BufferSize: 10, FlushInterval: time.Hour}, f.flush, nil)

	// 200 events against a stalled flush: one batch is in flight, pending
	// stays capped at BufferSize.
	for _, e := range seqEvents(200) {
		b.Add(e)
	}
	assert.LessOrEqual(t, b.Pending(), 10)
	assert.Greater(t, b.Dropped(), uint64(0))

	close(f.stall)
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestShutdownDrainsInBatches(t *testing.T) {
	f := &captureFlusher{}
	b := NewBuffer(BufferConfig{BufferSize: 7, FlushInterval: time.Hour}, f.flush, nil)

	for _, e := range seqEvents(20) {
		b.Add(e)
	}
	require.NoError(t, b.Shutdown(context.Background()))

	assert.Len(t, f.flushedIDs(), 20)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, batch := range f.batches {
		assert.LessOrEqual(t, len(batch), 7)
	}
}

func TestOnFlushedCallback(t *testing.T) {
	f := &captureFlusher{}
	b := NewBuffer(BufferConfig{BufferSize: 5, FlushInterval: time.Hour}, f.flush, nil)

	var mu sync.Mutex
	total := 0
	b.OnFlushed = func(count int) {
		mu.Lock()
		total += count
		mu.Unlock()
	}

	for _, e := range seqEvents(12) {
		b.Add(e)
	}
	require.NoError(t, b.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 12, total)
}

func TestFlushPanicIsContained(t *testing.T) {
	calls := 0
	flush := func(ctx context.Context, batch []*Event) error {
		calls++
		if calls == 1 {
			panic("flush blew up")
		}
		return nil
	}
	b := NewBuffer(BufferConfig{BufferSize: 2, FlushInterval: time.Hour}, flush, nil)

	for _, e := range seqEvents(2) {
		b.Add(e)
	}
	require.Eventually(t, func() bool { return b.Pending() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, 2, calls)
}
