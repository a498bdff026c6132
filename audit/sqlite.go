package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medgate/util"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	ts              INTEGER NOT NULL,
	event_type      TEXT NOT NULL,
	actor           TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL,
	stage           TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '{}',
	ip              TEXT NOT NULL DEFAULT '',
	user_agent      TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	review_required INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type, ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor, ts);
CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

// SQLiteSink stores records in an append-only table. Rows are never
// updated; only the retention purge deletes them.
type SQLiteSink struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
}

// NewSQLiteSink opens (and creates) the audit database at path
func NewSQLiteSink(path string, logger *zap.SugaredLogger) (*SQLiteSink, error) {
	path, err := util.CleanFilePath(path, true)
	if err != nil {
		return nil, fmt.Errorf("invalid audit database path: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create audit database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// one writer; WAL lets `audit tail` read while the service writes
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	logger.Infof("Audit SQLite sink initialized at %s", path)
	return &SQLiteSink{db: db, path: path, logger: logger}, nil
}

// Name implements Sink
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write inserts the batch in one transaction
func (s *SQLiteSink) Write(ctx context.Context, batch []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_log (
			id, ts, event_type, actor, resource, outcome, stage, reason,
			detail, ip, user_agent, session_id, request_id, review_required
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		detail, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		review := 0
		if rec.ReviewRequired {
			review = 1
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.Timestamp.UTC().UnixMicro(), string(rec.EventType), rec.Actor,
			rec.Resource, string(rec.Outcome), rec.Stage, rec.Reason, string(detail),
			rec.IP, rec.UserAgent, rec.SessionID, rec.RequestID, review,
		); err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}
	return tx.Commit()
}

// Filter narrows a Query
type Filter struct {
	EventType EventType
	Actor     string
	Since     time.Time
	// ReviewOnly returns only records flagged for review
	ReviewOnly bool
	Limit      int
}

// limit clamps Limit to [1, 10000], defaulting to 100
func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 10000:
		return 10000
	}
	return f.Limit
}

// Query returns matching records, newest first
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []interface{}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().UnixMicro())
	}
	if f.ReviewOnly {
		where = append(where, "review_required = 1")
	}

	limit := f.limit()

	query := `SELECT id, ts, event_type, actor, resource, outcome, stage, reason,
		detail, ip, user_agent, session_id, request_id, review_required FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      int64
			evt     string
			outcome string
			detail  string
			review  int
		)
		if err := rows.Scan(&rec.ID, &ts, &evt, &rec.Actor, &rec.Resource, &outcome,
			&rec.Stage, &rec.Reason, &detail, &rec.IP, &rec.UserAgent, &rec.SessionID,
			&rec.RequestID, &review); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Timestamp = time.UnixMicro(ts).UTC()
		rec.EventType = EventType(evt)
		rec.Outcome = Outcome(outcome)
		rec.ReviewRequired = review == 1
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &rec.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes records older than before and reports how many went
func (s *SQLiteSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE ts < ?", before.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Sink
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
