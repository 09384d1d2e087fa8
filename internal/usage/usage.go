// Package usage records per-tool-call accounting rows in a local SQLite
// database. Writes are best-effort by contract: callers log a warning and
// carry on when a record fails, a broken usage log must never block a turn.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Call is one tool invocation as seen by the hook pipeline.
type Call struct {
	AgentID   string
	SessionID string
	Turn      int
	Tool      string
	Class     string
	Outcome   string
	Duration  time.Duration
	Errored   bool
	StartedAt time.Time
}

// Row is a stored call, as read back from the database.
type Row struct {
	ID         int64
	AgentID    string
	SessionID  string
	Turn       int
	Tool       string
	Class      string
	Outcome    string
	DurationMS int64
	Errored    bool
	StartedAt  time.Time
}

// Total aggregates stored calls per tool name.
type Total struct {
	Tool   string
	Calls  int64
	Errors int64
	AvgMS  float64
}

// Store is the usage log backed by a single SQLite file.
//
// All goroutines serialize through one connection (SetMaxOpenConns(1)),
// which avoids SQLITE_BUSY from concurrent writers. The database runs in
// WAL mode so readers never block the writer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the usage database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		tool TEXT NOT NULL,
		class TEXT NOT NULL,
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_calls_agent
		ON tool_calls (agent_id, started_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts one call.
func (s *Store) Record(ctx context.Context, c Call) error {
	started := c.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	errored := 0
	if c.Errored {
		errored = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (started_at, agent_id, session_id, turn, tool, class, outcome, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		started.UnixMilli(), c.AgentID, c.SessionID, c.Turn, c.Tool, c.Class, c.Outcome,
		c.Duration.Milliseconds(), errored,
	)
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// Recent returns the newest calls for an agent, most recent first.
// An empty agentID returns calls across all agents.
func (s *Store) Recent(ctx context.Context, agentID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, started_at, agent_id, session_id, turn, tool, class, outcome, duration_ms, error
		FROM tool_calls`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var startedMS int64
		var errored int
		if err := rows.Scan(&r.ID, &startedMS, &r.AgentID, &r.SessionID, &r.Turn,
			&r.Tool, &r.Class, &r.Outcome, &r.DurationMS, &errored); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedMS)
		r.Errored = errored != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates all stored calls by tool name, busiest first.
func (s *Store) Totals(ctx context.Context) ([]Total, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, COUNT(*), SUM(error), AVG(duration_ms)
		 FROM tool_calls GROUP BY tool ORDER BY COUNT(*) DESC, tool ASC`)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		if err := rows.Scan(&t.Tool, &t.Calls, &t.Errors, &t.AvgMS); err != nil {
			return nil, fmt.Errorf("scan total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
