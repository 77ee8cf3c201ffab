// Package fanout pushes change-feed entries and system metrics to
// long-lived client connections. Each ticket subscription gets its own
// consumer group on the change feed so every client sees every event.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/changelog"
	"nowbridge.evalgo.org/common"
)

// Event types delivered to subscribers.
const (
	EventConnection    = "connection"
	EventHeartbeat     = "heartbeat"
	EventTicketUpdated = "ticket-updated"
	EventMetrics       = "metrics"
)

// Event is one message pushed to a subscriber.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// MetricsFunc supplies the payload for the periodic metrics broadcast.
type MetricsFunc func() interface{}

// Config tunes the hub.
type Config struct {
	// EntityTypes are the change topics watched for ticket updates
	EntityTypes []string

	// HeartbeatInterval between heartbeat events (default 30s)
	HeartbeatInterval time.Duration

	// MetricsInterval between metrics broadcasts (default 5s)
	MetricsInterval time.Duration

	// SubscriberBuffer is each connection's event buffer
	SubscriberBuffer int
}

// Hub manages ticket and metrics subscriptions.
type Hub struct {
	changes *changelog.Log
	cfg     Config
	metrics MetricsFunc
	log     *common.ContextLogger
}

// New creates a hub on an existing change feed.
func New(changes *changelog.Log, cfg Config, metrics MetricsFunc, logger *logrus.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 5 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = []string{"incident"}
	}
	return &Hub{
		changes: changes,
		cfg:     cfg,
		metrics: metrics,
		log:     common.NewContextLogger(logger, map[string]interface{}{"component": "fanout"}),
	}
}

// Subscription is one live client connection. Events closes on
// teardown; Close is idempotent.
type Subscription struct {
	Events <-chan Event

	events chan Event
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Done is closed when the subscription ends. Events is left open so a
// concurrent push can never hit a closed channel; readers select on
// Done instead of ranging.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close tears the subscription down.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// push delivers an event without blocking. A subscriber that cannot
// keep up loses its connection rather than stalling the hub.
func (s *Subscription) push(event Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// SubscribeTicket opens a per-sys_id subscription. The subscriber
// receives an initial connection event, heartbeats, and ticket-updated
// events for matching changes. The subscription ends when ctx is
// cancelled or Close is called.
func (h *Hub) SubscribeTicket(ctx context.Context, sysID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, h.cfg.SubscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.Events = sub.events

	group := "sse-" + uuid.New().String()
	logger := h.log.WithField("sys_id", sysID).WithField("group", group)

	handler := func(ctx context.Context, event changelog.Event) error {
		if event.SysID != sysID {
			return nil
		}
		if !sub.push(Event{Type: EventTicketUpdated, Data: event, Timestamp: time.Now().UTC()}) {
			logger.Warnf("slow subscriber, dropping connection")
			sub.Close()
		}
		return nil
	}
	if err := h.changes.RegisterConsumer(subCtx, h.cfg.EntityTypes, group, "c1", handler); err != nil {
		cancel()
		return nil, err
	}

	sub.push(Event{
		Type:      EventConnection,
		Data:      map[string]interface{}{"sys_id": sysID},
		Timestamp: time.Now().UTC(),
	})

	go func() {
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		defer h.teardown(group)

		for {
			select {
			case <-ticker.C:
				if !sub.push(Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()}) {
					logger.Debugf("heartbeat undeliverable, closing")
					sub.Close()
					return
				}
			case <-subCtx.Done():
				sub.Close()
				return
			case <-sub.done:
				cancel()
				return
			}
		}
	}()

	logger.Infof("ticket subscription opened")
	return sub, nil
}

// teardown removes the per-connection consumer groups. Runs on its own
// context since the subscription's is already cancelled.
func (h *Hub) teardown(group string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, et := range h.cfg.EntityTypes {
		if err := h.changes.RemoveGroup(ctx, et, group); err != nil {
			h.log.Warnf("group teardown failed for %s: %v", group, err)
		}
	}
}

// SubscribeMetrics opens a system metrics subscription: one snapshot
// per metrics interval until ctx is cancelled.
func (h *Hub) SubscribeMetrics(ctx context.Context) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, h.cfg.SubscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.Events = sub.events

	sub.push(Event{Type: EventConnection, Timestamp: time.Now().UTC()})

	go func() {
		ticker := time.NewTicker(h.cfg.MetricsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				var data interface{}
				if h.metrics != nil {
					data = h.metrics()
				}
				if !sub.push(Event{Type: EventMetrics, Data: data, Timestamp: time.Now().UTC()}) {
					sub.Close()
					return
				}
			case <-subCtx.Done():
				sub.Close()
				return
			case <-sub.done:
				cancel()
				return
			}
		}
	}()

	return sub
}
