// Package postgres persists crawl reports to a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for report rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// StoreBody writes the rendered document into the body column.
	StoreBody bool `mapstructure:"store_body"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink upserts one row per (run_id, url_key). The table is expected to be:
//
//	CREATE TABLE crawl_results (
//		run_id        TEXT NOT NULL,
//		url_key       TEXT NOT NULL,
//		url           TEXT NOT NULL,
//		final_url     TEXT,
//		state         TEXT NOT NULL,
//		outcome_class TEXT NOT NULL,
//		status_code   INT,
//		content_type  TEXT,
//		content_hash  TEXT,
//		attempts      INT NOT NULL,
//		depth         INT NOT NULL,
//		reason        TEXT,
//		headers       JSONB,
//		body          BYTEA,
//		duration_ms   BIGINT,
//		discovered_at TIMESTAMPTZ,
//		finished_at   TIMESTAMPTZ NOT NULL,
//		visit         INT NOT NULL DEFAULT 0,
//		changed       BOOLEAN NOT NULL DEFAULT FALSE,
//		PRIMARY KEY (run_id, url_key)
//	);
type Sink struct {
	pool      execCloser
	table     string
	storeBody bool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table, cfg.StoreBody)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string, storeBody bool) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table, storeBody: storeBody}, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Report implements crawler.ResultSink.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres sink is not configured")
	}
	if r.Key == "" {
		return fmt.Errorf("report key is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(r.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var body []byte
	if s.storeBody {
		body = r.Body
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	url_key,
	url,
	final_url,
	state,
	outcome_class,
	status_code,
	content_type,
	content_hash,
	attempts,
	depth,
	reason,
	headers,
	body,
	duration_ms,
	discovered_at,
	finished_at,
	visit,
	changed
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
ON CONFLICT (run_id, url_key) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	state = EXCLUDED.state,
	outcome_class = EXCLUDED.outcome_class,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	attempts = EXCLUDED.attempts,
	reason = EXCLUDED.reason,
	headers = EXCLUDED.headers,
	body = EXCLUDED.body,
	duration_ms = EXCLUDED.duration_ms,
	finished_at = EXCLUDED.finished_at,
	visit = EXCLUDED.visit,
	changed = EXCLUDED.changed`, s.table)

	args := []any{
		r.RunID,
		r.Key.String(),
		r.URL,
		r.FinalURL,
		string(r.State),
		string(r.Class),
		r.StatusCode,
		r.ContentType,
		r.ContentHash,
		r.Attempts,
		r.Depth,
		r.Reason,
		headersJSON,
		body,
		r.DurationMs,
		r.DiscoveredAt,
		r.FinishedAt,
		r.Visit,
		r.Changed,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert crawl result %s: %w", r.Key, err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
