// Package auditlog persists the request history to SQLite when the
// gateway runs in persistent retention mode. In ephemeral mode the
// store is a no-op and history lives only in the monitor's ring.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/monitor"
)

// Store wraps a SQLite-backed request log.
type Store struct {
	db    *sql.DB
	cfg   config.AuditLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the request log according to config.
func Open(ctx context.Context, cfg config.AuditLogConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("request log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("request log prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS request_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint TEXT NOT NULL,
    method TEXT NOT NULL,
    status INTEGER NOT NULL,
    success INTEGER NOT NULL,
    error TEXT,
    client_ip TEXT,
    duration_ms REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_endpoint ON request_log(endpoint, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one completed request into the log. Implements
// monitor.Sink.
func (s *Store) Append(ctx context.Context, rec monitor.Record) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	created := rec.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log(endpoint, method, status, success, error, client_ip, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Endpoint, rec.Method, rec.Status, rec.Success, rec.Error, rec.ClientIP, rec.Duration, created.UTC())
	return err
}

// ListRecent retrieves up to limit records ordered newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]monitor.Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, method, status, success, error, client_ip, duration_ms, created_at
		 FROM request_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []monitor.Record
	for rows.Next() {
		var rec monitor.Record
		var created string
		if err := rows.Scan(&rec.Endpoint, &rec.Method, &rec.Status, &rec.Success, &rec.Error, &rec.ClientIP, &rec.Duration, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Timestamp = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune applies configured retention. Called on startup; safe to call
// again on a schedule.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM request_log WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM request_log WHERE id IN (
			SELECT id FROM request_log ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
