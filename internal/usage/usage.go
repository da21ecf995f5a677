// Package usage persists token/cost accounting reported by session clients
// into a small sqlite ledger. The ledger is advisory: failures are logged by
// the caller and never affect session handling.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/remcli/remcli/pkg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_reports (
	key        TEXT PRIMARY KEY,
	session_id TEXT,
	tokens     INTEGER NOT NULL,
	cost       REAL NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_reports(session_id);
`

// Summary aggregates the ledger.
type Summary struct {
	Reports int64   `json:"reports"`
	Tokens  int64   `json:"tokens"`
	Cost    float64 `json:"cost"`
}

// Ledger is the sqlite-backed usage store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}
	return &Ledger{db: db, logger: logger.With("component", "usage")}, nil
}

// Record upserts a report by key. Re-reports under the same key replace the
// previous figures, which makes client retries idempotent.
func (l *Ledger) Record(ctx context.Context, r wire.UsageReport) error {
	now := time.Now().UnixMilli()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_reports (key, session_id, tokens, cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			tokens     = excluded.tokens,
			cost       = excluded.cost,
			updated_at = excluded.updated_at`,
		r.Key, r.SessionID, r.Tokens, r.Cost, now, now)
	if err != nil {
		return fmt.Errorf("record usage %q: %w", r.Key, err)
	}
	return nil
}

// Totals aggregates every report in the ledger.
func (l *Ledger) Totals(ctx context.Context) (Summary, error) {
	var s Summary
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_reports`).Scan(&s.Reports, &s.Tokens, &s.Cost)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return s, nil
}

// SessionTotals aggregates the reports of one session.
func (l *Ledger) SessionTotals(ctx context.Context, sessionID string) (Summary, error) {
	var s Summary
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_reports WHERE session_id = ?`, sessionID).Scan(&s.Reports, &s.Tokens, &s.Cost)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate session usage: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
