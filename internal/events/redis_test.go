package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisPublisherRequiresChannel(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisOptions{Addr: "127.0.0.1:6379"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel is required")
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Port 1 is never a redis server.
	_, err := NewRedisPublisher(ctx, RedisOptions{Addr: "127.0.0.1:1", Channel: "test"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
