package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/dtorcivia/afterhours/internal/metrics"
	"github.com/dtorcivia/afterhours/internal/schedule"
	"github.com/dtorcivia/afterhours/internal/util"
)

const (
	defaultQueueSize   = 100
	defaultSendTimeout = 30 * time.Second
)

// Dispatcher queues meeting notices and delivers them to every enabled
// channel from a single background worker. Delivery failures are logged
// and counted; they never reach the request that caused them.
type Dispatcher struct {
	channels    []Channel
	mu          sync.RWMutex
	loc         *time.Location
	sendTimeout time.Duration

	queue    chan *Message
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with a bounded queue. Times in
// messages are rendered in loc.
func NewDispatcher(queueSize int, loc *time.Location) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		loc:         loc,
		sendTimeout: defaultSendTimeout,
		queue:       make(chan *Message, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// RegisterChannel adds a notification channel.
func (d *Dispatcher) RegisterChannel(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, c)
	util.Info("Registered notification channel", "channel", c.Name(), "enabled", c.Enabled())
}

// EnabledChannels returns only enabled channels.
func (d *Dispatcher) EnabledChannels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var enabled []Channel
	for _, c := range d.channels {
		if c.Enabled() {
			enabled = append(enabled, c)
		}
	}
	return enabled
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
	util.Info("Notification dispatcher started", "queue_size", cap(d.queue))
}

// Stop delivers whatever is already queued and waits for the worker.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Notify queues a notice for event. It never blocks: when the queue is full
// or the dispatcher is stopped the notice is dropped.
func (d *Dispatcher) Notify(event schedule.CalendarEvent, recipients []string) {
	if len(d.EnabledChannels()) == 0 {
		util.Debug("No notification channels enabled", "event_id", event.ID)
		return
	}
	msg := NewMeetingMessage(event, recipients, d.loc)

	select {
	case <-d.stopCh:
		metrics.NotificationsDropped.Inc()
		util.Warn("Notification dispatcher stopped; dropping notice", "event_id", event.ID)
		return
	default:
	}

	select {
	case d.queue <- msg:
	default:
		metrics.NotificationsDropped.Inc()
		util.Warn("Notification queue full; dropping notice", "event_id", event.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.deliver(msg)
		case <-d.stopCh:
			for {
				select {
				case msg := <-d.queue:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg *Message) {
	for _, c := range d.EnabledChannels() {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := c.Send(ctx, msg)
		cancel()

		if err != nil {
			metrics.Notifications.WithLabelValues(c.Name(), "error").Inc()
			util.Error("Failed to send notification",
				"channel", c.Name(),
				"event_id", msg.EventID,
				"error", err,
			)
			continue
		}
		metrics.Notifications.WithLabelValues(c.Name(), "ok").Inc()
		util.Info("Sent meeting notification",
			"channel", c.Name(),
			"event_id", msg.EventID,
			"recipients", len(msg.Recipients),
		)
	}
}
