package bt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lowaak/csc-sensor/internal/go_func_utils"
)

const notificationQueueSize = 64

// notificationPump hands notification payloads to a consumer from one goroutine,
// in arrival order. The adapter callback never waits on the consumer.
type notificationPump struct {
	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// startNotificationPump runs deliver for each queued payload until stop is
// called or ctx is done. wg tracks the delivery goroutine.
func startNotificationPump(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, deliver func([]byte)) *notificationPump {
	p := &notificationPump{
		queue:  make(chan []byte, notificationQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	wg.Add(1)
	go_func_utils.SafeGo(logger, func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case buf := <-p.queue:
				deliver(buf)
			}
		}
	})
	return p
}

// push queues buf. A full queue drops it; the cumulative counters make the next
// notification cover the gap.
func (p *notificationPump) push(buf []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.queue <- buf:
		return true
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("BTDevice: notification queue full, dropping", "dropped_total", n)
		return false
	}
}

// stop ends delivery without waiting for a payload in flight. Safe to call more than once.
func (p *notificationPump) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
