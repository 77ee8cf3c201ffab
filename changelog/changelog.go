// Package changelog is an append-only change feed with consumer-group
// semantics, one topic per entity type, backed by Redis Streams.
// Delivery is at-least-once: consumers must be idempotent, and a
// recovered consumer re-reads its unacked entries before new ones.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nowbridge.evalgo.org/common"
)

// Action identifies what happened to the record.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Event is one entry on a change topic. ID is the stream offset
// assigned on append.
type Event struct {
	ID         string                 `json:"id,omitempty"`
	EntityType string                 `json:"entity_type"`
	SysID      string                 `json:"sys_id"`
	Action     string                 `json:"action"`
	Record     map[string]interface{} `json:"record,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler consumes one delivered event. A nil return acknowledges the
// entry; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, event Event) error

// Log is the Redis Streams backed change feed.
type Log struct {
	client *redis.Client
	maxLen int64
	log    *common.ContextLogger
}

// Config contains change feed tuning.
type Config struct {
	// MaxLen caps each topic stream (approximate trimming)
	MaxLen int64
}

// New creates a change feed on an existing Redis connection.
func New(client *redis.Client, cfg Config, logger *logrus.Logger) *Log {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	return &Log{
		client: client,
		maxLen: cfg.MaxLen,
		log:    common.NewContextLogger(logger, map[string]interface{}{"component": "changelog"}),
	}
}

// TopicFor returns the stream key for an entity type.
func TopicFor(entityType string) string {
	return "changes:" + entityType
}

// Append publishes an event on the topic for its entity type and
// returns the assigned offset.
func (l *Log) Append(ctx context.Context, event Event) (string, error) {
	if event.EntityType == "" || event.SysID == "" {
		return "", fmt.Errorf("changelog: entity_type and sys_id are required")
	}
	if event.Action == "" {
		event.Action = ActionUpdated
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload []byte
	if event.Record != nil {
		var err error
		payload, err = json.Marshal(event.Record)
		if err != nil {
			return "", fmt.Errorf("changelog: encode record: %w", err)
		}
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: TopicFor(event.EntityType),
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sys_id":      event.SysID,
			"entity_type": event.EntityType,
			"action":      event.Action,
			"record":      string(payload),
			"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("changelog: append to %s: %w", TopicFor(event.EntityType), err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group at the start of the topic. An
// already existing group is not an error.
func (l *Log) EnsureGroup(ctx context.Context, entityType, group string) error {
	topic := TopicFor(entityType)
	err := l.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("changelog: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

// RemoveGroup deletes a consumer group, used on subscriber teardown.
// Removing an absent group is a no-op.
func (l *Log) RemoveGroup(ctx context.Context, entityType, group string) error {
	topic := TopicFor(entityType)
	if err := l.client.XGroupDestroy(ctx, topic, group).Err(); err != nil {
		if strings.Contains(err.Error(), "NOGROUP") || err == redis.Nil {
			return nil
		}
		return fmt.Errorf("changelog: destroy group %s on %s: %w", group, topic, err)
	}
	return nil
}

// Read delivers up to max events for a consumer. Unacked entries from
// an earlier run of the same consumer are redelivered first; only when
// none are pending are new entries returned. block bounds the wait for
// new entries (non-positive returns immediately).
func (l *Log) Read(ctx context.Context, entityType, group, consumer string, max int64, block time.Duration) ([]Event, error) {
	if max <= 0 {
		max = 10
	}

	pending, err := l.readGroup(ctx, entityType, group, consumer, max, -1, "0")
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}

	if block <= 0 {
		block = -1
	}
	return l.readGroup(ctx, entityType, group, consumer, max, block, ">")
}

func (l *Log) readGroup(ctx context.Context, entityType, group, consumer string, max int64, block time.Duration, id string) ([]Event, error) {
	topic := TopicFor(entityType)
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, id},
		Count:    max,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("changelog: read %s as %s/%s: %w", topic, group, consumer, err)
	}

	var events []Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, decodeMessage(entityType, msg))
		}
	}
	return events, nil
}

// Ack marks delivered entries as processed for the group.
func (l *Log) Ack(ctx context.Context, entityType, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	topic := TopicFor(entityType)
	if err := l.client.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return fmt.Errorf("changelog: ack on %s: %w", topic, err)
	}
	return nil
}

func decodeMessage(entityType string, msg redis.XMessage) Event {
	event := Event{ID: msg.ID, EntityType: entityType}

	if v, ok := msg.Values["sys_id"].(string); ok {
		event.SysID = v
	}
	if v, ok := msg.Values["action"].(string); ok {
		event.Action = v
	}
	if v, ok := msg.Values["entity_type"].(string); ok && v != "" {
		event.EntityType = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.Timestamp = t
		}
	}
	if v, ok := msg.Values["record"].(string); ok && v != "" {
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(v), &record); err == nil {
			event.Record = record
		}
	}
	return event
}

// RegisterConsumer starts one reader goroutine per entity type under
// the given group. Events are handed to handler; a nil handler result
// acknowledges the entry, an error leaves it pending for redelivery.
// The readers stop when ctx is cancelled.
func (l *Log) RegisterConsumer(ctx context.Context, entityTypes []string, group, consumer string, handler Handler) error {
	for _, et := range entityTypes {
		if err := l.EnsureGroup(ctx, et, group); err != nil {
			return err
		}
	}

	for _, et := range entityTypes {
		go l.consumeLoop(ctx, et, group, consumer, handler)
	}
	return nil
}

func (l *Log) consumeLoop(ctx context.Context, entityType, group, consumer string, handler Handler) {
	logger := l.log.WithField("topic", TopicFor(entityType)).WithField("group", group)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := l.Read(ctx, entityType, group, consumer, 10, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("read failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(events) == 0 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, event := range events {
			if err := handler(ctx, event); err != nil {
				logger.Warnf("handler failed for %s, leaving pending: %v", event.ID, err)
				continue
			}
			if err := l.Ack(ctx, entityType, group, event.ID); err != nil {
				logger.Warnf("ack failed for %s: %v", event.ID, err)
			}
		}
	}
}
