package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/session"
)

const DefaultQueueSize = 256

// Verify Dispatcher can be handed to a Session as its observer
var _ session.Observer = (*Dispatcher)(nil)

// Dispatcher decouples a Session from its consumers. OnEvent only enqueues;
// a single goroutine delivers the events to subscribers in production order.
// When the queue is full the event is dropped rather than blocking the Session.
// A new subscriber first receives the latest ConnectionStateChanged, if any.
type Dispatcher struct {
	queue   chan session.Event
	states  *Feed[session.Event] // ConnectionStateChanged, replayed to new subscribers
	updates *Feed[session.Event] // speed and cadence
	logger  *slog.Logger
	dropped atomic.Uint64

	// deliverMu orders a subscriber's replayed state before any live event
	deliverMu sync.Mutex

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewDispatcher starts the delivery goroutine. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(logger *slog.Logger, queueSize int) *Dispatcher {
	if logger == nil {
		panic("Dispatcher: logger cannot be nil")
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		queue:   make(chan session.Event, queueSize),
		states:  NewFeed[session.Event](true),
		updates: NewFeed[session.Event](false),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go_func_utils.SafeGo(logger, d.run)
	return d
}

// OnEvent enqueues event without blocking
func (d *Dispatcher) OnEvent(event session.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("Dispatcher: queue full, dropping event", "event", event, "dropped_total", n)
	}
}

// Subscribe registers a consumer. Returns a deregistration function.
// Must not be called from inside a subscriber.
func (d *Dispatcher) Subscribe(callback func(session.Event)) func() {
	if callback == nil {
		panic("Dispatcher: callback cannot be nil")
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	unsubscribeStates := d.states.Subscribe(callback)
	unsubscribeUpdates := d.updates.Subscribe(callback)
	return func() {
		unsubscribeStates()
		unsubscribeUpdates()
	}
}

// SubscribeChan registers a channel. Sends never block: a full channel misses the event.
func (d *Dispatcher) SubscribeChan(ch chan<- session.Event) func() {
	if ch == nil {
		panic("Dispatcher: channel cannot be nil")
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	unsubscribeStates := d.states.SubscribeChan(ch)
	unsubscribeUpdates := d.updates.SubscribeChan(ch)
	return func() {
		unsubscribeStates()
		unsubscribeUpdates()
	}
}

// Dropped returns how many events were discarded because the queue was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is queued and waits for the delivery goroutine
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliverMu.Lock()
		if _, ok := event.(session.ConnectionStateChanged); ok {
			d.states.Publish(event)
		} else {
			d.updates.Publish(event)
		}
		d.deliverMu.Unlock()
	}
	d.logger.Debug("Dispatcher: delivery loop exited")
}
