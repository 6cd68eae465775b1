package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogSink writes events to the structured log.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	e := s.Logger.Info().
		Str("kind", ev.Kind).
		Str("room_id", ev.RoomID).
		Str("room_type", string(ev.RoomType))
	if ev.Message != nil {
		e = e.Str("message_id", ev.Message.ID).Str("author", ev.Message.AuthorID)
	}
	if len(ev.Accounts) > 0 {
		e = e.Int("accounts", len(ev.Accounts))
	}
	e.Msg("room event")
	return nil
}

// RedisSink publishes events as JSON on a Redis pub/sub channel per kind,
// prefixed with Prefix (e.g. "chat:events:").
type RedisSink struct {
	Client *redis.Client
	Prefix string
}

func (s RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, s.Prefix+ev.Kind, data).Err()
}

// NATSSink publishes events as JSON on subject <Subject>.<kind>.
type NATSSink struct {
	Conn    *nats.Conn
	Subject string
}

func (s NATSSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject+"."+ev.Kind, data)
}
