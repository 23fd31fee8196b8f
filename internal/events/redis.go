package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
)

const redisPublishTimeout = 2 * time.Second

// RedisOptions configures the redis mirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher mirrors bus events to a redis pub/sub channel so other
// services can consume them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher connects to redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisPublisher, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisPublisher{
		client:  client,
		channel: opts.Channel,
		logger:  logging.OrNop(logger).Named("redis"),
	}, nil
}

// Publish sends one event to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := Encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}

// Run forwards events from ch until ctx is done or ch is closed. Failures are
// logged and the event is dropped.
func (p *RedisPublisher) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, e); err != nil {
				p.logger.Warn("failed to mirror event", zap.String("kind", string(e.Kind())), zap.Error(err))
			}
		}
	}
}

// Close closes the redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
