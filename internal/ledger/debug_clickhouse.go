package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"spectyra/internal/config"
)

// DebugSignalRow is the internal operator blob persisted per run. It never
// reaches the public optimization report.
type DebugSignalRow struct {
	RunID          string
	ConversationID string
	Path           string
	Model          string
	Lambda2        float64
	StabilityIndex float64
	// Signals is the JSON-encoded internal signal block.
	Signals   json.RawMessage
	CreatedAt time.Time
}

// DebugSink stores debug signal rows. The no-op sink is used when the gate
// is closed.
type DebugSink interface {
	Write(ctx context.Context, row DebugSignalRow)
}

// NopDebugSink discards rows.
type NopDebugSink struct{}

func (NopDebugSink) Write(context.Context, DebugSignalRow) {}

// clickhouseDebugSink ships rows to ClickHouse.
type clickhouseDebugSink struct {
	conn  clickhouse.Conn
	table string
}

// NewDebugSink opens the ClickHouse sink when enabled, otherwise returns the
// no-op sink. Table creation is idempotent.
func NewDebugSink(ctx context.Context, cfg config.ClickHouseConfig) (DebugSink, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.DSN) == "" {
		return NopDebugSink{}, nil
	}

	opts, err := clickhouse.ParseDSN(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "spectyra_debug_signals"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id String,
	conversation_id String,
	path String,
	model String,
	lambda2 Float64,
	stability_index Float64,
	signals String,
	created_at DateTime64(3)
) ENGINE = MergeTree() ORDER BY (created_at, run_id)`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create debug signals table: %w", err)
	}

	return &clickhouseDebugSink{conn: conn, table: table}, nil
}

func (s *clickhouseDebugSink) Write(ctx context.Context, row DebugSignalRow) {
	query := fmt.Sprintf(`
INSERT INTO %s
	(run_id, conversation_id, path, model, lambda2, stability_index, signals, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		row.RunID, row.ConversationID, row.Path, row.Model,
		row.Lambda2, row.StabilityIndex, string(row.Signals), row.CreatedAt)
	if err != nil {
		log.Debug().Err(err).Str("run_id", row.RunID).Msg("debug_signals_write_failed")
	}
}
