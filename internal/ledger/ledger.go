// Package ledger records verified and estimated token/cost savings in a
// durable store, and ships internal spectral debug signals to a separate
// ClickHouse sink behind its own gate.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// SavingsType distinguishes how a record's numbers were produced.
const (
	SavingsEstimated      = "estimated"
	SavingsVerified       = "verified"
	SavingsShadowVerified = "shadow_verified"
)

// Record is one immutable savings ledger row.
type Record struct {
	WorkloadKey       string    `json:"workload_key"`
	Path              string    `json:"path"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	OptimizationLevel int       `json:"optimization_level"`
	BaselineTokens    int       `json:"baseline_tokens"`
	OptimizedTokens   int       `json:"optimized_tokens"`
	BaselineCost      float64   `json:"baseline_cost"`
	OptimizedCost     float64   `json:"optimized_cost"`
	Confidence        string    `json:"confidence"`
	SavingsType       string    `json:"savings_type"`
	CreatedAt         time.Time `json:"created_at"`
}

// Summary aggregates ledger rows for the savings endpoint.
type Summary struct {
	Records         int     `json:"records"`
	TokensSaved     int64   `json:"tokens_saved"`
	CostSavedUSD    float64 `json:"cost_saved_usd"`
	BaselineTokens  int64   `json:"baseline_tokens"`
	OptimizedTokens int64   `json:"optimized_tokens"`
}

// Store persists savings records. Writes are fire-and-forget from the
// pipeline; implementations log failures and move on.
type Store interface {
	Init(ctx context.Context) error
	Write(ctx context.Context, r Record)
	Summarize(ctx context.Context) (Summary, error)
}

// WorkloadKey digests (path, provider, model, prompt length bucket) for
// aggregation. Prompt lengths bucket by power of two so near-identical
// workloads collapse onto one key.
func WorkloadKey(path, provider, model string, promptChars int) string {
	bucket := 0
	for n := promptChars; n > 0; n >>= 1 {
		bucket++
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", path, provider, model, bucket)))
	return hex.EncodeToString(h[:8])
}

// New returns a Postgres-backed store when a pool is provided, otherwise an
// in-memory store.
func New(pool *pgxpool.Pool) Store {
	if pool == nil {
		return &memStore{}
	}
	return &pgStore{pool: pool}
}

// --- Postgres ---------------------------------------------------------------

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS savings_ledger (
	id BIGSERIAL PRIMARY KEY,
	workload_key TEXT NOT NULL,
	path TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	optimization_level INT NOT NULL DEFAULT 2,
	baseline_tokens BIGINT NOT NULL,
	optimized_tokens BIGINT NOT NULL,
	baseline_cost DOUBLE PRECISION NOT NULL,
	optimized_cost DOUBLE PRECISION NOT NULL,
	confidence TEXT NOT NULL DEFAULT 'low',
	savings_type TEXT NOT NULL DEFAULT 'estimated',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS savings_ledger_workload_idx ON savings_ledger (workload_key);
`)
	return err
}

func (s *pgStore) Write(ctx context.Context, r Record) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO savings_ledger
	(workload_key, path, provider, model, optimization_level,
	 baseline_tokens, optimized_tokens, baseline_cost, optimized_cost,
	 confidence, savings_type, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.WorkloadKey, r.Path, r.Provider, r.Model, r.OptimizationLevel,
		r.BaselineTokens, r.OptimizedTokens, r.BaselineCost, r.OptimizedCost,
		r.Confidence, r.SavingsType, r.CreatedAt)
	if err != nil {
		log.Warn().Err(err).Str("workload_key", r.WorkloadKey).Msg("savings_ledger_write_failed")
	}
}

func (s *pgStore) Summarize(ctx context.Context) (Summary, error) {
	row := s.pool.QueryRow(ctx, `
SELECT count(*),
	COALESCE(sum(baseline_tokens - optimized_tokens), 0),
	COALESCE(sum(baseline_cost - optimized_cost), 0),
	COALESCE(sum(baseline_tokens), 0),
	COALESCE(sum(optimized_tokens), 0)
FROM savings_ledger`)
	var out Summary
	if err := row.Scan(&out.Records, &out.TokensSaved, &out.CostSavedUSD, &out.BaselineTokens, &out.OptimizedTokens); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// --- In-memory fallback -----------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	records []Record
}

func (s *memStore) Init(context.Context) error { return nil }

func (s *memStore) Write(_ context.Context, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *memStore) Summarize(context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Summary
	out.Records = len(s.records)
	for _, r := range s.records {
		out.TokensSaved += int64(r.BaselineTokens - r.OptimizedTokens)
		out.CostSavedUSD += r.BaselineCost - r.OptimizedCost
		out.BaselineTokens += int64(r.BaselineTokens)
		out.OptimizedTokens += int64(r.OptimizedTokens)
	}
	return out, nil
}
