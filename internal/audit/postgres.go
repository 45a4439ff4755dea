package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         UUID PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	agent_id   TEXT NOT NULL,
	operation  TEXT NOT NULL,
	outcome    TEXT,
	details    JSONB
);
CREATE INDEX IF NOT EXISTS audit_log_agent_idx ON audit_log (agent_id, ts DESC);
CREATE INDEX IF NOT EXISTS audit_log_op_idx ON audit_log (operation, ts DESC);
`

// PostgresSink stores audit records in a Postgres table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects with the given DSN and ensures the schema.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Append(ctx context.Context, record *Record) error {
	clean := redact(record)
	details, err := json.Marshal(clean.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, agent_id, operation, outcome, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		clean.ID, clean.Timestamp, clean.AgentID, string(clean.Operation), clean.Outcome, details)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PostgresSink) Search(ctx context.Context, query Query) ([]*Record, error) {
	query.normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if query.AgentID != "" {
		where = append(where, "agent_id = "+arg(query.AgentID))
	}
	if query.Operation != "" {
		where = append(where, "operation = "+arg(string(query.Operation)))
	}
	if !query.Since.IsZero() {
		where = append(where, "ts >= "+arg(query.Since))
	}
	if !query.Until.IsZero() {
		where = append(where, "ts <= "+arg(query.Until))
	}

	q := "SELECT id, ts, agent_id, operation, outcome, details FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC LIMIT " + arg(query.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: search: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			r       Record
			outcome sql.NullString
			details []byte
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.AgentID, &r.Operation, &outcome, &details); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		r.Outcome = outcome.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Clear truncates the table. Test use only.
func (s *PostgresSink) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE audit_log")
	return err
}

func (s *PostgresSink) Close() error { return s.db.Close() }
