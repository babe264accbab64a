package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// NewEventBuffer dials real Redis when enabled, so these tests exercise only
// the disabled path — the graceful-degrade behavior the rest of the core
// depends on when no Redis is configured (spec §1).
func TestDisabledEventBufferPushIsANoop(t *testing.T) {
	b := NewEventBuffer(RedisConfig{Enabled: false})
	require.NotPanics(t, func() {
		b.Push(context.Background(), "srv-1", "player.join", []byte(`{}`), time.Now())
	})
}

func TestDisabledEventBufferRecentReturnsEmpty(t *testing.T) {
	b := NewEventBuffer(RedisConfig{Enabled: false})
	events, err := b.Recent(context.Background(), "srv-1", 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDisabledEventBufferCloseIsANoop(t *testing.T) {
	b := NewEventBuffer(RedisConfig{Enabled: false})
	require.NoError(t, b.Close())
}

func TestUnreachableRedisDisablesBuffer(t *testing.T) {
	b := NewEventBuffer(RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1})
	require.False(t, b.enabled)
}

func TestEventBufferKeyIsNamespacedPerServer(t *testing.T) {
	require.Equal(t, "mochi-link:events:srv-1", eventBufferKey("srv-1"))
}
