package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"memetrade/internal/protocol"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "memetrade:notify"

// Deliverer hands an encoded message to a user's local connections.
type Deliverer interface {
	Deliver(userID string, raw []byte) int
}

type envelope struct {
	UserID  string          `json:"user_id"`
	Message json.RawMessage `json:"message"`
}

func encodeEnvelope(userID string, raw []byte) (string, error) {
	b, err := json.Marshal(envelope{UserID: userID, Message: raw})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RedisBroker routes notifications through a Redis pub/sub channel so that a
// user connected to any API instance receives them. local may be nil for
// publish-only processes such as the worker.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	local   Deliverer
	log     *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, channel string, local Deliverer, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, channel: channel, local: local, log: logger}
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (b *RedisBroker) Notify(ctx context.Context, userID string, msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		b.log.Error("encode notification", "type", msg.MessageType(), "err", err)
		return
	}
	payload, err := encodeEnvelope(userID, raw)
	if err != nil {
		b.log.Error("encode envelope", "err", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("redis publish failed, delivering locally", "user_id", userID, "err", err)
		if b.local != nil {
			b.local.Deliver(userID, raw)
		}
	}
}

// Run relays messages from the channel to the local hub until ctx ends.
func (b *RedisBroker) Run(ctx context.Context) error {
	if b.local == nil {
		return fmt.Errorf("redis broker has no local hub to deliver to")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("notification fan-out subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			b.handle(m.Payload)
		}
	}
}

func (b *RedisBroker) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("dropping malformed fan-out envelope", "err", err)
		return
	}
	if env.UserID == "" {
		return
	}
	if _, err := protocol.Decode(env.Message); err != nil {
		b.log.Warn("dropping fan-out message", "user_id", env.UserID, "err", err)
		return
	}
	b.local.Deliver(env.UserID, env.Message)
}
