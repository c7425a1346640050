// Package notify delivers game night events to the messaging collaborator.
//
// State transitions write notifications into the outbox table in the same
// transaction; the Dispatcher drains that table in id order and hands each
// row to a Sink.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/pkg/kafka"
)

type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Notification is the wire form of an outbox row.
type Notification struct {
	ID        int64            `json:"id"`
	Kind      models.EventKind `json:"kind"`
	GuildID   string           `json:"guild_id"`
	Seq       int64            `json:"seq"`
	Target    Target           `json:"target"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

func FromModel(n models.Notification) Notification {
	payload := json.RawMessage(n.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Notification{
		ID:        n.ID,
		Kind:      n.Kind,
		GuildID:   n.GuildID,
		Seq:       n.Seq,
		Target:    Target{Type: n.TargetType, ID: n.TargetID},
		Payload:   payload,
		CreatedAt: n.CreatedAt,
	}
}

// Sink delivers one notification and reports whether it succeeded.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// KafkaSink publishes notifications keyed by guild id so one guild's events
// stay ordered within a partition.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaSink(producer *kafka.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, _, err = s.producer.Produce(ctx, s.topic, []byte(n.GuildID), data)
	return err
}

// Broadcaster pushes a message to every live connection of a guild.
type Broadcaster interface {
	BroadcastToGuild(guildID string, message any)
}

// HubSink mirrors notifications to connected websocket clients. It never fails.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Notify(_ context.Context, n Notification) error {
	s.hub.BroadcastToGuild(n.GuildID, n)
	return nil
}

// LogSink writes notifications to the log; used when no broker is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.log.Info("notification",
		zap.Int64("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("guild_id", n.GuildID),
		zap.Int64("seq", n.Seq),
		zap.String("target", n.Target.Type+":"+n.Target.ID),
		zap.ByteString("payload", n.Payload),
	)
	return nil
}

// Fanout delivers to a primary sink whose result decides success, then to
// secondary sinks whose errors are only logged.
type Fanout struct {
	primary   Sink
	secondary []Sink
	log       *zap.Logger
}

func NewFanout(log *zap.Logger, primary Sink, secondary ...Sink) *Fanout {
	return &Fanout{primary: primary, secondary: secondary, log: log}
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	if err := f.primary.Notify(ctx, n); err != nil {
		return err
	}
	var errs []error
	for _, s := range f.secondary {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		f.log.Warn("secondary sink failed", zap.Int64("id", n.ID), zap.Error(err))
	}
	return nil
}
