package semcache

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"spectyra/internal/config"
)

// Store is the semantic cache. Implementations must never fail a request:
// errors degrade to a miss on Get and a dropped write on Set.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, response string)
}

// New selects the Redis-backed cache when configured, the in-memory cache
// otherwise.
func New(cfg config.RedisConfig, ttl time.Duration) Store {
	if cfg.Enabled {
		if s, err := newRedisStore(cfg, ttl); err == nil {
			return s
		} else {
			log.Warn().Err(err).Msg("semantic_cache_redis_unavailable_falling_back")
		}
	}
	return NewMemory(ttl)
}

// --- Redis backend ----------------------------------------------------------

type redisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func newRedisStore(cfg config.RedisConfig, ttl time.Duration) (*redisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisStore{client: client, ttl: ttl}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("semantic_cache_get_error")
		}
		return "", false
	}
	return val, true
}

func (s *redisStore) Set(ctx context.Context, key, response string) {
	if err := s.client.Set(ctx, key, response, s.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("semantic_cache_set_error")
	}
}

// --- In-memory fallback -----------------------------------------------------

type memEntry struct {
	response  string
	expiresAt time.Time
}

// Memory is a process-local cache guarded by a mutex with a periodic sweep
// removing expired entries.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
}

// NewMemory builds the in-memory cache and starts its sweep loop.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Memory{entries: make(map[string]memEntry), ttl: ttl}
	go m.sweepLoop()
	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return e.response, true
}

func (m *Memory) Set(_ context.Context, key, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{response: response, expiresAt: time.Now().Add(m.ttl)}
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		now := time.Now()
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
		m.mu.Unlock()
	}
}
