package source

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Metric names served by Redis.
const (
	MetricRedisClients    = "redis_connected_clients"
	MetricRedisUsedMemory = "redis_used_memory_bytes"
	MetricRedisPing       = "redis_ping_ms"
)

// RedisMetrics lists the metric names Redis can serve.
var RedisMetrics = []string{MetricRedisClients, MetricRedisUsedMemory, MetricRedisPing}

// RedisClient is the subset of *redis.Client the source needs.
type RedisClient interface {
	Info(ctx context.Context, section ...string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisOptions locate the instance to sample.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis samples a redis server via INFO and PING.
type Redis struct {
	client RedisClient
	logger zerolog.Logger
}

// NewRedis dials lazily; go-redis connects on first command.
func NewRedis(opts RedisOptions, logger zerolog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return NewRedisWithClient(client, logger)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client RedisClient, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With().Str("component", "redis_source").Logger()}
}

// Close releases the underlying client when it owns one.
func (r *Redis) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// GetCurrentValue implements Source.
func (r *Redis) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	switch metric {
	case MetricRedisPing:
		start := time.Now()
		if err := r.client.Ping(ctx).Err(); err != nil {
			return 0, fmt.Errorf("redis ping: %w", err)
		}
		return float64(time.Since(start).Microseconds()) / 1000, nil
	case MetricRedisClients:
		return r.infoField(ctx, "clients", "connected_clients")
	case MetricRedisUsedMemory:
		return r.infoField(ctx, "memory", "used_memory")
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
}

func (r *Redis) infoField(ctx context.Context, section, field string) (float64, error) {
	raw, err := r.client.Info(ctx, section).Result()
	if err != nil {
		return 0, fmt.Errorf("redis info %s: %w", section, err)
	}
	fields := parseInfo(raw)
	value, ok := fields[field]
	if !ok {
		return 0, fmt.Errorf("redis info %s: field %s missing", section, field)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("redis info %s: %w", field, err)
	}
	return f, nil
}

// parseInfo splits the INFO reply into key/value pairs, ignoring section headers.
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

var _ Source = (*Redis)(nil)
