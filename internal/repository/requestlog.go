// Package repository persists a per-request relay log for diagnostics.
// Pool state is deliberately not persisted; only finished-request rows are.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// RequestRecord is one finished relay attempt. Cookie and proxy ids are
// fingerprints, never secret values.
type RequestRecord struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	CookieID  string    `json:"cookie_id"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Chunks    int       `json:"chunks"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

type RequestLog interface {
	Record(ctx context.Context, rec *RequestRecord) error
	Recent(ctx context.Context, limit int) ([]*RequestRecord, error)
}

type PostgresRequestLog struct {
	db *sql.DB
}

func NewPostgresRequestLog(databaseURL string) (*PostgresRequestLog, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRequestLog{db: db}
	if err := r.migrate(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRequestLog) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_log (
			id          TEXT PRIMARY KEY,
			model       TEXT NOT NULL,
			cookie_id   TEXT NOT NULL,
			proxy_id    TEXT NOT NULL DEFAULT '',
			mode        TEXT NOT NULL,
			status      TEXT NOT NULL,
			chunks      INTEGER NOT NULL DEFAULT 0,
			latency_ms  BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate request_log: %w", err)
	}
	return nil
}

func (r *PostgresRequestLog) Record(ctx context.Context, rec *RequestRecord) error {
	query := `
		INSERT INTO request_log (id, model, cookie_id, proxy_id, mode, status, chunks, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Model, rec.CookieID, rec.ProxyID, rec.Mode, rec.Status,
		rec.Chunks, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

func (r *PostgresRequestLog) Recent(ctx context.Context, limit int) ([]*RequestRecord, error) {
	query := `
		SELECT id, model, cookie_id, proxy_id, mode, status, chunks, latency_ms, created_at
		FROM request_log
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var out []*RequestRecord
	for rows.Next() {
		var rec RequestRecord
		if err := rows.Scan(
			&rec.ID, &rec.Model, &rec.CookieID, &rec.ProxyID, &rec.Mode,
			&rec.Status, &rec.Chunks, &rec.LatencyMs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *PostgresRequestLog) Close() error {
	return r.db.Close()
}

// InMemoryRequestLog keeps the most recent records in a bounded ring.
type InMemoryRequestLog struct {
	mu      sync.Mutex
	records []*RequestRecord
	max     int
}

func NewInMemoryRequestLog(max int) *InMemoryRequestLog {
	if max <= 0 {
		max = 1000
	}
	return &InMemoryRequestLog{max: max}
}

func (r *InMemoryRequestLog) Record(ctx context.Context, rec *RequestRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)
	if len(r.records) > r.max {
		r.records = r.records[len(r.records)-r.max:]
	}
	return nil
}

func (r *InMemoryRequestLog) Recent(ctx context.Context, limit int) ([]*RequestRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	if limit > n {
		limit = n
	}
	out := make([]*RequestRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}
