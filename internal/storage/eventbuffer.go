package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/logger"
)

// RedisConfig configures the optional event buffer.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// bufferedEvent is what EventBuffer.Push serializes into the Redis list.
type bufferedEvent struct {
	Op         string          `json:"op"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// maxBufferedPerServer bounds each server's buffered-event list so a
// disconnected server with no consumer can't grow memory unbounded.
const maxBufferedPerServer = 500

// EventBuffer optionally persists recent events per server, per spec §1
// ("only events may be buffered by the storage collaborator if it
// chooses"). It is never required for correctness — the Event Dispatcher
// delivers to live subscribers regardless of whether a buffer is wired in.
type EventBuffer struct {
	client  *redis.Client
	enabled bool
	log     *zerolog.Logger
}

// NewEventBuffer connects to Redis, following the teacher's cache.Cache
// graceful-disable-when-unavailable pattern: a disabled or unreachable
// Redis makes every EventBuffer method a no-op rather than an error.
func NewEventBuffer(cfg RedisConfig) *EventBuffer {
	log := logger.Storage()
	if !cfg.Enabled {
		return &EventBuffer{enabled: false, log: log}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     25,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("event buffer redis unreachable, disabling")
		return &EventBuffer{enabled: false, log: log}
	}

	return &EventBuffer{client: client, enabled: true, log: log}
}

// Push appends an event to serverID's buffer, trimmed to the most recent
// maxBufferedPerServer entries. Failures are logged and swallowed — the
// buffer is best-effort, never load-bearing for delivery.
func (b *EventBuffer) Push(ctx context.Context, serverID, op string, data json.RawMessage, receivedAt time.Time) {
	if !b.enabled {
		return
	}

	payload, err := json.Marshal(bufferedEvent{Op: op, Data: data, ReceivedAt: receivedAt})
	if err != nil {
		b.log.Warn().Err(err).Str("serverId", serverID).Msg("failed to marshal buffered event")
		return
	}

	key := eventBufferKey(serverID)
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, maxBufferedPerServer-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn().Err(err).Str("serverId", serverID).Msg("failed to buffer event")
	}
}

// Recent returns up to limit of the most recently buffered events for
// serverID, newest first. Returns an empty slice (not an error) when the
// buffer is disabled.
func (b *EventBuffer) Recent(ctx context.Context, serverID string, limit int64) ([]json.RawMessage, error) {
	if !b.enabled {
		return nil, nil
	}
	raw, err := b.client.LRange(ctx, eventBufferKey(serverID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading buffered events for %s: %w", serverID, err)
	}
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}

// Close releases the underlying Redis connection, if any.
func (b *EventBuffer) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func eventBufferKey(serverID string) string {
	return "mochi-link:events:" + serverID
}
