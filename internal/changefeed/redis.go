package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultRedisChannel carries stored rows between instances.
	DefaultRedisChannel = "shower:messages"
	publishTimeout      = 5 * time.Second
)

var (
	errMissingRedisClient = errors.New("changefeed: redis client is required")
	errMissingDispatcher  = errors.New("changefeed: local dispatcher is required")
)

// RedisRelayConfig wires a relay between a redis channel and the local dispatcher.
type RedisRelayConfig struct {
	Client  *redis.Client
	Channel string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisRelay publishes rows to redis and replays the channel into the local dispatcher,
// so every instance streams rows accepted by any instance.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Dispatcher
	logger  *zap.Logger
}

func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingDispatcher
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: cfg.Client, channel: channel, local: cfg.Local, logger: logger}, nil
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("changefeed: invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("changefeed: redis ping failed: %w", err)
	}
	return client, nil
}

// Publish sends the row to the shared channel. Failures are logged; the local
// dispatcher is used directly so this instance still streams the row.
func (r *RedisRelay) Publish(message messages.Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("change feed encode failed", zap.Error(err))
		r.local.Publish(message)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("change feed redis publish failed", zap.String("channel", r.channel), zap.Error(err))
		r.local.Publish(message)
	}
}

// Run relays the redis channel into the local dispatcher until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close() //nolint:errcheck

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("changefeed: redis subscribe failed: %w", err)
	}
	r.logger.Info("change feed relay subscribed", zap.String("channel", r.channel))

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-incoming:
			if !ok {
				return nil
			}
			message, err := decodeRelayPayload(delivery.Payload)
			if err != nil {
				r.logger.Warn("change feed payload rejected", zap.Error(err))
				continue
			}
			r.local.Publish(message)
		}
	}
}

func decodeRelayPayload(payload string) (messages.Message, error) {
	var message messages.Message
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		return messages.Message{}, err
	}
	if message.ID.IsZero() {
		return messages.Message{}, errors.New("changefeed: relayed row has no id")
	}
	return message, nil
}
