// Package messaging implements the in-process event bus that carries ledger
// events (xp.granted, level.up) to read-model handlers after commit.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

var (
	// ErrEventBusClosed is returned by Publish and Subscribe after Close.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

// InMemoryEventBusConfig configures InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode hands deliveries to a worker pool instead of running them
	// on the publisher's goroutine.
	AsyncMode bool

	// WorkerPoolSize is the number of async workers. Default: 4
	WorkerPoolSize int

	// QueueSize bounds pending async deliveries. Publish blocks when the
	// queue is full. Default: 256
	QueueSize int

	Logger *logger.Logger

	EnableMetrics bool
}

type delivery struct {
	event   shared.Event
	handler shared.EventHandler
}

// InMemoryEventBus dispatches events to subscribed handlers. Handler errors
// are logged and counted but never reach publishers, so a failing read model
// cannot undo a committed grant.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	byType   map[shared.EventType][]shared.EventHandler
	wildcard []shared.EventHandler
	closed   bool

	queue   chan delivery
	workers sync.WaitGroup

	log     *logger.Logger
	metrics *EventBusMetrics
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a bus and, in async mode, starts its workers.
func NewInMemoryEventBus(cfg InMemoryEventBusConfig) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	b := &InMemoryEventBus{
		byType: make(map[shared.EventType][]shared.EventHandler),
		log:    cfg.Logger.With(logger.Component("event_bus")),
	}
	if cfg.EnableMetrics {
		b.metrics = NewEventBusMetrics()
	}
	if cfg.AsyncMode {
		b.queue = make(chan delivery, cfg.QueueSize)
		b.workers.Add(cfg.WorkerPoolSize)
		for range cfg.WorkerPoolSize {
			go b.work()
		}
	}
	return b
}

// Subscribe registers handler for one event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.subscribe(func() { b.byType[eventType] = append(b.byType[eventType], handler) }, handler)
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.subscribe(func() { b.wildcard = append(b.wildcard, handler) }, handler)
}

func (b *InMemoryEventBus) subscribe(add func(), handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("event bus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	add()
	return nil
}

// Publish delivers event to its subscribers. In sync mode it returns after
// every handler ran.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event bus: nil event")
	}

	// The read lock is held while enqueueing so Close cannot close the
	// queue under a sender.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrEventBusClosed
	}
	if b.metrics != nil {
		b.metrics.recordPublish(event.EventType())
	}

	for _, handlers := range [][]shared.EventHandler{b.byType[event.EventType()], b.wildcard} {
		for _, h := range handlers {
			if b.queue != nil {
				b.queue <- delivery{event: event, handler: h}
				continue
			}
			b.deliver(delivery{event: event, handler: h})
		}
	}
	return nil
}

func (b *InMemoryEventBus) work() {
	defer b.workers.Done()
	for d := range b.queue {
		b.deliver(d)
	}
}

func (b *InMemoryEventBus) deliver(d delivery) {
	start := time.Now()
	err := safeCall(d)
	if b.metrics != nil {
		b.metrics.recordHandler(time.Since(start), err == nil)
	}
	if err != nil {
		b.log.Error("event handler failed",
			logger.String("event_type", string(d.event.EventType())),
			logger.UserID(d.event.UserID()),
			logger.Err(err),
		)
	}
}

func safeCall(d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return d.handler(d.event)
}

// Close stops accepting events and waits until queued deliveries finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	b.mu.Unlock()

	b.workers.Wait()
	b.log.Info("event bus closed")
	return nil
}

// Metrics returns the bus counters, nil when disabled.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics counts publishes and handler runs.
type EventBusMetrics struct {
	mu        sync.Mutex
	published map[shared.EventType]int64

	executions atomic.Int64
	failures   atomic.Int64
	busyNanos  atomic.Int64
}

// NewEventBusMetrics creates an empty counter set.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{published: make(map[shared.EventType]int64)}
}

func (m *EventBusMetrics) recordPublish(t shared.EventType) {
	m.mu.Lock()
	m.published[t]++
	m.mu.Unlock()
}

func (m *EventBusMetrics) recordHandler(d time.Duration, ok bool) {
	m.executions.Add(1)
	m.busyNanos.Add(int64(d))
	if !ok {
		m.failures.Add(1)
	}
}

// EventBusMetricsSnapshot is a point-in-time copy of the counters.
type EventBusMetricsSnapshot struct {
	Published              map[shared.EventType]int64
	HandlerExecutions      int64
	HandlerFailures        int64
	AverageHandlerDuration time.Duration
}

// Snapshot copies the current counters.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	m.mu.Lock()
	published := make(map[shared.EventType]int64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	m.mu.Unlock()

	s := EventBusMetricsSnapshot{
		Published:         published,
		HandlerExecutions: m.executions.Load(),
		HandlerFailures:   m.failures.Load(),
	}
	if s.HandlerExecutions > 0 {
		s.AverageHandlerDuration = time.Duration(m.busyNanos.Load() / s.HandlerExecutions)
	}
	return s
}
