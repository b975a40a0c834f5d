// Package audit persists audit records to SQLite when LOXONE_AUDIT_LOG is
// enabled. The in-memory ring in internal/auth stays authoritative; this
// store is a durable mirror.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/hausnetz/loxmcp/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at            TEXT NOT NULL,
	caller_id     TEXT NOT NULL,
	ip            TEXT NOT NULL,
	method        TEXT NOT NULL,
	params_digest TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at);
`

// Store is a SQLite-backed audit sink.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ auth.AuditSink = (*Store)(nil)

// Open creates (or opens) the audit database at path and ensures the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Write implements auth.AuditSink. Failures are logged, never propagated:
// the audit mirror must not fail a request.
func (s *Store) Write(rec auth.AuditRecord) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (at, caller_id, ip, method, params_digest, outcome, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		// Fixed-width nanosecond layout so ORDER BY at sorts chronologically.
		rec.At.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		rec.CallerID,
		rec.IP,
		rec.Method,
		rec.ParamsDigest,
		rec.Outcome,
		rec.LatencyMS,
	)
	if err != nil {
		s.logger.Warn("failed to persist audit record", zap.Error(err))
	}
}

// List returns persisted records ordered newest first, with optional method
// filtering.
func (s *Store) List(ctx context.Context, method string, limit, offset int) ([]auth.AuditRecord, int, error) {
	countQuery := "SELECT COUNT(*) FROM audit_log"
	var filterArgs []any
	if method != "" {
		countQuery += " WHERE method = ?"
		filterArgs = append(filterArgs, method)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, filterArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT at, caller_id, ip, method, params_digest, outcome, latency_ms FROM audit_log"
	if method != "" {
		query += " WHERE method = ?"
	}
	query += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args := append(filterArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]auth.AuditRecord, 0, limit)
	for rows.Next() {
		var rec auth.AuditRecord
		var at string
		if err := rows.Scan(&at, &rec.CallerID, &rec.IP, &rec.Method, &rec.ParamsDigest, &rec.Outcome, &rec.LatencyMS); err != nil {
			return nil, 0, err
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		records = append(records, rec)
	}
	return records, total, rows.Err()
}
