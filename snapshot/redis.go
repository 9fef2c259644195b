package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketdeck/marketdeck/broker"
)

// redisTTL expires a channel's snapshot hash after markets have long closed,
// refreshed on every write.
const redisTTL = 24 * time.Hour

// opTimeout bounds each Redis call so the dispatch path can never hang on a
// slow cache.
const opTimeout = 500 * time.Millisecond

// Redis stores last ticks in one hash per channel, so snapshots survive a
// server restart and can be shared between instances.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed store. It pings the server once to fail
// fast on bad configuration.
func NewRedis(addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client, logger: logger}, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func channelKey(channel string) string {
	return "snapshot:" + channel
}

// Record writes the tick into the channel's hash. Failures are logged, not
// returned: a cache miss later is preferable to stalling dispatch.
func (r *Redis) Record(channel string, tick broker.Tick) {
	if tick.InstrumentKey == "" {
		return
	}
	data, err := json.Marshal(tick)
	if err != nil {
		r.logger.Error("Failed to marshal snapshot tick", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := channelKey(channel)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, tick.InstrumentKey, data)
	pipe.Expire(ctx, key, redisTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Failed to record snapshot", "channel", channel, "key", tick.InstrumentKey, "error", err)
	}
}

// Latest returns the last tick for every instrument on the channel.
func (r *Redis) Latest(channel string) []broker.Tick {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, channelKey(channel)).Result()
	if err != nil {
		r.logger.Warn("Failed to read snapshots", "channel", channel, "error", err)
		return nil
	}
	out := make([]broker.Tick, 0, len(fields))
	for field, raw := range fields {
		var tick broker.Tick
		if err := json.Unmarshal([]byte(raw), &tick); err != nil {
			r.logger.Warn("Corrupt snapshot entry", "channel", channel, "key", field, "error", err)
			continue
		}
		out = append(out, tick)
	}
	return out
}

// Get returns the last tick for one instrument.
func (r *Redis) Get(channel, instrumentKey string) (broker.Tick, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := r.client.HGet(ctx, channelKey(channel), instrumentKey).Result()
	if err == redis.Nil {
		return broker.Tick{}, false
	}
	if err != nil {
		r.logger.Warn("Failed to read snapshot", "channel", channel, "key", instrumentKey, "error", err)
		return broker.Tick{}, false
	}
	var tick broker.Tick
	if err := json.Unmarshal([]byte(raw), &tick); err != nil {
		return broker.Tick{}, false
	}
	return tick, true
}
