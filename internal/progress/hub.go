package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls Hub buffering.
type Config struct {
	// BufferSize is the queue depth before events are dropped (default 4096).
	BufferSize int
	// MaxBatch flushes as soon as this many events are pending (default 256).
	MaxBatch int
	// FlushInterval flushes a partial batch (default 500ms).
	FlushInterval time.Duration
	// SinkTimeout bounds every Consume and Close call (default 10s).
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultMaxBatch      = 256
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropLogEvery         = 5 * time.Second
)

// Hub batches events on one goroutine and hands each batch to every sink in
// registration order. Emit is safe for concurrent use.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	closed      atomic.Bool
	dropped     atomic.Int64
	lastDropLog atomic.Int64
	stopOnce    sync.Once
}

var _ Emitter = (*Hub)(nil)

// NewHub starts the batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

// Emit queues evt without blocking. Invalid events and events arriving after
// Close are discarded; a full buffer drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		total := h.dropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastDropLog.Load()
		if now-last >= dropLogEvery.Nanoseconds() && h.lastDropLog.CompareAndSwap(last, now) {
			h.logger.Warn("progress buffer full, dropping events", zap.Int64("dropped_total", total))
		}
	}
}

// Dropped reports how many events were lost to a full buffer.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close flushes pending events, closes the sinks and waits for the loop to
// exit or ctx to end. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatch)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatch {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatch {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			for _, sink := range h.sinks {
				ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
				if err := sink.Close(ctx); err != nil {
					h.logger.Warn("progress sink close failed", zap.Error(err))
				}
				cancel()
			}
			return
		}
	}
}

// flush delivers batch to every sink and returns it emptied for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(out)))
		}
		cancel()
	}
	return batch[:0]
}
