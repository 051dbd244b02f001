// Package settlement hands committed fills and redemption burns to the
// external settlement executor. Delivery is fire-and-forget: the engine has
// already committed by the time an event is emitted, and a failed or dropped
// delivery never rolls anything back.
package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/model"
)

// Kind tags an event.
type Kind string

const (
	KindFill Kind = "fill"
	KindBurn Kind = "burn"
)

// Event is one committed state change awaiting settlement.
type Event struct {
	Kind       Kind                     `json:"kind"`
	AssetID    string                   `json:"asset_id"`
	Trade      *model.Trade             `json:"trade,omitempty"`
	Redemption *model.RedemptionRequest `json:"redemption,omitempty"`
	Burned     int64                    `json:"burned,omitempty"`
	OccurredAt time.Time                `json:"occurred_at"`
}

// Key identifies the event for idempotent delivery downstream.
func (e Event) Key() string {
	switch {
	case e.Trade != nil:
		return e.Trade.ID
	case e.Redemption != nil:
		return e.Redemption.ID
	}
	return e.AssetID
}

// FillEvent wraps a trade.
func FillEvent(t model.Trade) Event {
	return Event{Kind: KindFill, AssetID: t.AssetID, Trade: &t, OccurredAt: t.ExecutedAt}
}

// BurnEvent wraps a delivered redemption.
func BurnEvent(r model.RedemptionRequest, burned int64) Event {
	return Event{Kind: KindBurn, AssetID: r.AssetID, Redemption: &r, Burned: burned, OccurredAt: r.UpdatedAt}
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Notify(e Event)
}

// Publisher delivers a batch of events to the settlement executor. Each
// batch is a fresh slice the publisher may keep.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// AsyncSink buffers events and publishes them in batches from a single
// goroutine. When the buffer is full new events are dropped and counted.
type AsyncSink struct {
	pub       Publisher
	logger    *zap.Logger
	events    chan Event
	batchSize int
	attempts  int
	backoff   time.Duration
	onDrop    func()

	dropped atomic.Int64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithRetry sets how many times a batch is attempted and the pause between
// attempts.
func WithRetry(attempts int, backoff time.Duration) AsyncOption {
	return func(s *AsyncSink) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

// WithBatchSize caps the number of events per Publish call.
func WithBatchSize(n int) AsyncOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithDropHook registers a callback invoked for each dropped event.
func WithDropHook(fn func()) AsyncOption {
	return func(s *AsyncSink) { s.onDrop = fn }
}

// NewAsyncSink starts the publishing goroutine. Call Close to flush and stop.
func NewAsyncSink(pub Publisher, buffer int, logger *zap.Logger, opts ...AsyncOption) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		pub:       pub,
		logger:    logger,
		events:    make(chan Event, buffer),
		batchSize: 100,
		attempts:  3,
		backoff:   250 * time.Millisecond,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Notify enqueues e, dropping it when the buffer is full or the sink is
// closed.
func (s *AsyncSink) Notify(e Event) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		s.drop(e, "closed")
		return
	}
	select {
	case s.events <- e:
	default:
		s.drop(e, "buffer full")
	}
}

// Dropped returns the number of events discarded so far.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events, publishes what is buffered and closes the
// publisher. ctx bounds the wait for the flush.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.closeMu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.pub.Close()
}

func (s *AsyncSink) run() {
	defer close(s.done)

	for e := range s.events {
		batch := make([]Event, 1, s.batchSize)
		batch[0] = e
		// Drain whatever else is already queued, up to the batch size.
	fill:
		for len(batch) < s.batchSize {
			select {
			case next, ok := <-s.events:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.publish(batch)
	}
}

func (s *AsyncSink) publish(batch []Event) {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.pub.Publish(ctx, batch)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn("settlement publish failed",
			zap.Int("attempt", attempt),
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
		if attempt < s.attempts {
			time.Sleep(s.backoff)
		}
	}
	s.logger.Error("settlement batch abandoned",
		zap.Int("events", len(batch)),
		zap.String("first_key", batch[0].Key()),
		zap.Error(err),
	)
	for range batch {
		s.countDrop()
	}
}

func (s *AsyncSink) drop(e Event, reason string) {
	s.countDrop()
	s.logger.Warn("settlement event dropped",
		zap.String("reason", reason),
		zap.String("kind", string(e.Kind)),
		zap.String("key", e.Key()),
	)
}

func (s *AsyncSink) countDrop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}
