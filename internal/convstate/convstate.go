// Package convstate persists a compact conversational state across requests
// of the same conversation: the compiled state message plus the last turn,
// keyed by conversation id with a 24 h TTL.
package convstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"spectyra/internal/config"
	"spectyra/internal/llm"
)

// Entry is the persisted state for one conversation.
type Entry struct {
	StateMsg llm.Message   `json:"stateMsg"`
	LastTurn []llm.Message `json:"lastTurn"`
}

// Store provides best-effort conversation state. Read failures fall back to
// empty state; writes are fire-and-forget.
type Store interface {
	Get(ctx context.Context, conversationID string) (Entry, bool)
	Set(ctx context.Context, conversationID string, e Entry)
}

// Key returns the storage key for a conversation.
func Key(conversationID string) string { return "state:" + conversationID }

// New selects the Redis-backed store when configured, memory otherwise.
func New(cfg config.RedisConfig, ttl time.Duration) Store {
	if cfg.Enabled {
		if s, err := newRedisStore(cfg, ttl); err == nil {
			return s
		} else {
			log.Warn().Err(err).Msg("conversation_state_redis_unavailable_falling_back")
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

func (s *redisStore) Get(ctx context.Context, conversationID string) (Entry, bool) {
	val, err := s.client.Get(ctx, Key(conversationID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("conversation_id", conversationID).Msg("conversation_state_get_error")
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		log.Debug().Err(err).Str("conversation_id", conversationID).Msg("conversation_state_decode_error")
		return Entry{}, false
	}
	return e, true
}

func (s *redisStore) Set(ctx context.Context, conversationID string, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Debug().Err(err).Msg("conversation_state_encode_error")
		return
	}
	if err := s.client.Set(ctx, Key(conversationID), data, s.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("conversation_id", conversationID).Msg("conversation_state_set_error")
	}
}

// --- In-memory fallback -----------------------------------------------------

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is the process-local store used without Redis.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
}

// NewMemory builds the in-memory store and starts its sweep loop.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Memory{entries: make(map[string]memEntry), ttl: ttl}
	go m.sweepLoop()
	return m
}

func (m *Memory) Get(_ context.Context, conversationID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Key(conversationID)]
	if !ok || time.Now().After(e.expiresAt) {
		delete(m.entries, Key(conversationID))
		return Entry{}, false
	}
	return e.entry, true
}

func (m *Memory) Set(_ context.Context, conversationID string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[Key(conversationID)] = memEntry{entry: e, expiresAt: time.Now().Add(m.ttl)}
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
