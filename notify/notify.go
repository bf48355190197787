/*
Package notify sends member-facing messages (SMS, email, push).

PURPOSE:
  Notifications are a side effect outside the ledger's consistency boundary.
  Engine code hands a Message to a Dispatcher and moves on; delivery failures
  are logged and never reach the caller.

COMPONENTS:
  Notifier:   a delivery backend
  LogSender:  writes messages to the structured log (dev and default)
  Dispatcher: bounded queue + worker goroutine in front of a Notifier

SEE ALSO:
  - accrual/driver.go: tier upgrade notices
  - accrual/enroll.go: welcome messages
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Message is one outbound notification.
type Message struct {
	Channel  Channel
	To       string
	Template string
	Data     map[string]string
}

// Notifier delivers a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Sender is what engine components depend on: fire and forget.
type Sender interface {
	Send(msg Message)
}

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender logs messages instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Notify(ctx context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"channel", msg.Channel,
		"to", msg.To,
		"template", msg.Template,
		"data", msg.Data,
	)
	return nil
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher queues messages for a background worker. Send never blocks; when
// the queue is full or the dispatcher is closed the message is dropped and
// logged.
type Dispatcher struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex // guards closed and sends on queue
	closed bool
	queue  chan Message
	wg     sync.WaitGroup
}

func NewDispatcher(next Notifier, size int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		next:    next,
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
		queue:   make(chan Message, size),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Send(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("notification dropped, dispatcher closed", "template", msg.Template, "to", msg.To)
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification dropped, queue full", "template", msg.Template, "to", msg.To)
	}
}

// Close drains the queue and stops the worker. Later Sends are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Notify(ctx, msg); err != nil {
			d.logger.Warn("notification failed", "template", msg.Template, "to", msg.To, "error", err)
		}
		cancel()
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) Send(Message) {}
