package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Store using Redis.
// It suits deployments where sessions must survive host replacement,
// at the cost of the one-file-per-session audit format.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "docuchat:session:").
	Prefix string
	// SessionTTL is the key expiry duration (0 = never expire).
	// Expiry sweeps still apply on top of this.
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "docuchat:session:"
	}

	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

func (r *RedisBackend) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBackend) indexKey() string {
	return r.prefix + "index"
}

// Save creates or replaces a session record.
// Redis SET is atomic, so partial records are never observable.
func (r *RedisBackend) Save(ctx context.Context, state *State) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrStorageClosed
	}
	if state.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(state.ID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), state.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// Load retrieves a session by ID.
func (r *RedisBackend) Load(ctx context.Context, sessionID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStorageClosed
	}

	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}

	return &state, nil
}

// Delete removes a session record.
func (r *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrStorageClosed
	}

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(sessionID))
	pipe.SRem(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if del.Val() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// List returns all session records, most recently accessed first.
func (r *RedisBackend) List(ctx context.Context) ([]*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStorageClosed
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	states := make([]*State, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.key(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Key expired under TTL; drop the stale index entry.
				_ = r.client.SRem(ctx, r.indexKey(), id).Err()
				continue
			}
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}

		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		states = append(states, &state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].LastAccessedAt.After(states[j].LastAccessedAt)
	})

	return states, nil
}

// Close releases the Redis connection.
func (r *RedisBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
