package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lightningloop/invene/pkg/types"
)

// RedisLog is a Redis-backed Log. History survives restarts and live
// events fan out across instances via pub/sub.
type RedisLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "invene")
	Prefix string

	// TTL for graph event history (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps retained events per graph (default: 5000)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "invene",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisLog creates a Redis-backed event log.
func NewRedisLog(cfg *RedisConfig, logger *slog.Logger) (*RedisLog, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "invene"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisLog{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
		logger: logger,
	}, nil
}

// Key helpers
func (l *RedisLog) keyEvents(graphID string) string {
	return fmt.Sprintf("%s:%s:events", l.prefix, graphID)
}
func (l *RedisLog) keyGraphs() string { return l.prefix + ":graphs" }
func (l *RedisLog) channel(graphID string) string {
	return fmt.Sprintf("%s:%s:pub", l.prefix, graphID)
}

func (l *RedisLog) Append(ctx context.Context, ev types.ExecutionEvent) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := l.keyEvents(ev.GraphID)
	pipe := l.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -l.maxLen, -1)
	pipe.SAdd(ctx, l.keyGraphs(), ev.GraphID)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
		pipe.Expire(ctx, l.keyGraphs(), l.ttl)
	}
	pipe.Publish(ctx, l.channel(ev.GraphID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *RedisLog) Since(ctx context.Context, graphID string, sinceEventID int64) ([]types.ExecutionEvent, error) {
	raws, err := l.client.LRange(ctx, l.keyEvents(graphID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	var out []types.ExecutionEvent
	for _, raw := range raws {
		var ev types.ExecutionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.logger.Warn("skipping undecodable event", slog.String("graph_id", graphID), slog.Any("error", err))
			continue
		}
		if ev.EventID > sinceEventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *RedisLog) Subscribe(ctx context.Context, graphID string) (<-chan types.ExecutionEvent, func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, ErrClosed
	}
	l.mu.Unlock()

	pubsub := l.client.Subscribe(ctx, l.channel(graphID))
	ch := make(chan types.ExecutionEvent, 100)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			var ev types.ExecutionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				l.logger.Warn("skipping undecodable pubsub event", slog.String("graph_id", graphID), slog.Any("error", err))
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()

	cleanup := func() {
		_ = pubsub.Close()
	}
	return ch, cleanup, nil
}

func (l *RedisLog) Graphs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.keyGraphs()).Result()
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return ids, nil
}

func (l *RedisLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}

var _ Log = (*RedisLog)(nil)
