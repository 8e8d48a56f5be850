package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lightningloop/invene/pkg/types"
)

const (
	graphKeyPrefix = "invene:graph:"
	graphListKey   = "invene:graphs:ids"
)

// RedisStore implements Store using Redis, sharing the instance the
// event log mirror runs on.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed graph store.
func NewRedisStore(url, password string, db int, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) graphKey(id string) string {
	return graphKeyPrefix + id
}

// Save stores a graph, replacing any existing one with the same ID.
func (s *RedisStore) Save(ctx context.Context, graph *types.TaskGraph) error {
	if graph == nil || graph.GraphID == "" {
		return ErrGraphNotFound
	}

	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.graphKey(graph.GraphID), data, s.ttl)
	pipe.SAdd(ctx, graphListKey, graph.GraphID)
	if s.ttl > 0 {
		pipe.Expire(ctx, graphListKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// Get retrieves a graph by ID.
func (s *RedisStore) Get(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	data, err := s.client.Get(ctx, s.graphKey(graphID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrGraphNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph: %w", err)
	}

	var graph types.TaskGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &graph, nil
}

// Delete removes a graph.
func (s *RedisStore) Delete(ctx context.Context, graphID string) error {
	exists, err := s.client.Exists(ctx, s.graphKey(graphID)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrGraphNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.graphKey(graphID))
	pipe.SRem(ctx, graphListKey, graphID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}

// List returns summaries of stored graphs.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]Summary, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, graphListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list graph ids: %w", err)
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		graph, err := s.Get(ctx, id)
		if errors.Is(err, ErrGraphNotFound) {
			// Expired entry, clean up the stale reference.
			s.client.SRem(ctx, graphListKey, id)
			continue
		}
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(graph))
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(summaries) {
			return []Summary{}, nil
		}
		summaries = summaries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(summaries) {
		summaries = summaries[:opts.Limit]
	}

	return summaries, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
