// Package notification publishes operational notifications (failed
// jobs, resolved syncs) to a durable AMQP queue for external
// consumers such as chat bridges and pagers.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"nowbridge.evalgo.org/common"
	"nowbridge.evalgo.org/queue"
)

// Notification kinds.
const (
	KindJobFailed    = "job-failed"
	KindJobCompleted = "job-completed"
	KindSyncConflict = "sync-conflict"
	KindCustom       = "custom"
)

// Notification is the message published to the broker.
type Notification struct {
	Kind      string                 `json:"kind"`
	Subject   string                 `json:"subject"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config contains broker settings.
type Config struct {
	URL   string
	Queue string
}

// Notifier publishes notifications to one durable queue.
type Notifier struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
	log        *common.ContextLogger
}

// New connects to the broker and declares the durable queue.
func New(cfg Config, logger *logrus.Logger) (*Notifier, error) {
	return NewWithDialer(cfg, RealAMQPDialer{}, logger)
}

// NewWithDialer allows injecting a dialer for tests.
func NewWithDialer(cfg Config, dialer AMQPDialer, logger *logrus.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notification: broker URL is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = "nowbridge-notifications"
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notification: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notification: open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notification: declare queue %s: %w", cfg.Queue, err)
	}

	return &Notifier{
		connection: conn,
		channel:    ch,
		queueName:  cfg.Queue,
		log:        common.NewContextLogger(logger, map[string]interface{}{"component": "notification"}),
	}, nil
}

// Publish sends one notification as a persistent JSON message.
func (n *Notifier) Publish(note Notification) error {
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now().UTC()
	}
	if note.Kind == "" {
		note.Kind = KindCustom
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("notification: encode: %w", err)
	}

	err = n.channel.Publish("", n.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    note.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notification: publish: %w", err)
	}
	return nil
}

// WatchQueueEvents forwards failed-job lifecycle events from the job
// queue to the broker until ctx is cancelled. Publish failures are
// logged and dropped; notifications are advisory.
func (n *Notifier) WatchQueueEvents(ctx context.Context, events <-chan queue.Event) {
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != queue.EventFailed {
					continue
				}
				err := n.Publish(Notification{
					Kind:    KindJobFailed,
					Subject: string(ev.Type),
					Message: fmt.Sprintf("job %s (%s) failed", ev.JobID, ev.Type),
					Details: map[string]interface{}{
						"job_id": ev.JobID,
						"status": string(ev.Status),
					},
					Timestamp: ev.Timestamp,
				})
				if err != nil {
					n.log.Warnf("failure notification for %s not delivered: %v", ev.JobID, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close releases the channel and connection.
func (n *Notifier) Close() error {
	if err := n.channel.Close(); err != nil {
		n.connection.Close()
		return fmt.Errorf("notification: close channel: %w", err)
	}
	if err := n.connection.Close(); err != nil {
		return fmt.Errorf("notification: close connection: %w", err)
	}
	return nil
}
