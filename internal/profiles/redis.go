package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	profileKeyPrefix = "invene:profile:"
	profileListKey   = "invene:profiles:names"
)

// RedisRegistry implements Registry using Redis, so profiles survive
// restarts and can be shared between orchestrator instances.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry creates a new Redis-backed profile registry.
func NewRedisRegistry(url, password string, db int) (*RedisRegistry, error) {
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

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient creates a registry from an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) profileKey(name string) string {
	return profileKeyPrefix + name
}

// Create registers a new profile.
func (r *RedisRegistry) Create(ctx context.Context, req *CreateProfileRequest) (*Profile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exists, err := r.client.Exists(ctx, r.profileKey(req.Name)).Result()
	if err != nil {
		return nil, fmt.Errorf("check exists: %w", err)
	}
	if exists > 0 {
		return nil, ErrProfileExists
	}

	now := time.Now().UTC()
	profile := &Profile{
		Name:          req.Name,
		Description:   req.Description,
		Mode:          req.Mode,
		Command:       req.Command,
		Actuator:      req.Actuator,
		MaxIterations: req.MaxIterations,
		Env:           req.Env,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := r.save(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (r *RedisRegistry) save(ctx context.Context, profile *Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.profileKey(profile.Name), data, 0)
	pipe.SAdd(ctx, profileListKey, profile.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by name.
func (r *RedisRegistry) Get(ctx context.Context, name string) (*Profile, error) {
	data, err := r.client.Get(ctx, r.profileKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &profile, nil
}

// Update modifies an existing profile.
func (r *RedisRegistry) Update(ctx context.Context, name string, req *UpdateProfileRequest) (*Profile, error) {
	profile, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if req.Description != nil {
		profile.Description = *req.Description
	}
	if req.Mode != nil {
		profile.Mode = *req.Mode
	}
	if req.Command != nil {
		profile.Command = req.Command
	}
	if req.Actuator != nil {
		profile.Actuator = *req.Actuator
	}
	if req.MaxIterations != nil {
		profile.MaxIterations = *req.MaxIterations
	}
	if req.Env != nil {
		profile.Env = req.Env
	}
	if req.Metadata != nil {
		profile.Metadata = req.Metadata
	}
	profile.UpdatedAt = time.Now().UTC()

	if err := r.save(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Delete removes a profile.
func (r *RedisRegistry) Delete(ctx context.Context, name string) error {
	exists, err := r.client.Exists(ctx, r.profileKey(name)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrProfileNotFound
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.profileKey(name))
	pipe.SRem(ctx, profileListKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// List returns all profiles matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*Profile, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	names, err := r.client.SMembers(ctx, profileListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list profile names: %w", err)
	}

	var out []*Profile
	for _, name := range names {
		profile, err := r.Get(ctx, name)
		if errors.Is(err, ErrProfileNotFound) {
			// Stale reference, clean up
			r.client.SRem(ctx, profileListKey, name)
			continue
		}
		if err != nil {
			continue
		}
		if opts.Mode != "" && profile.Mode != opts.Mode {
			continue
		}
		out = append(out, profile)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Profile{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}

	return out, nil
}

// Exists checks if a profile with the given name exists.
func (r *RedisRegistry) Exists(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, r.profileKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}

// Close releases the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
