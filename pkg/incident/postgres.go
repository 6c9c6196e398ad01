package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps incidents in a PostgreSQL table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	conn  pgxConn
	table string
}

func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if table == "" {
		table = "incidents"
	}
	if !tableNameRe.MatchString(table) {
		return nil, storeError("open", fmt.Errorf("invalid table name %q", table))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeError("open", err)
	}
	s := &PostgresStore{pool: pool, conn: pool, table: table}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	incident_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	session_id TEXT,
	logged_at TIMESTAMPTZ NOT NULL,
	details JSONB
)`, s.table))
	return storeError("migrate", err)
}

func (s *PostgresStore) Log(ctx context.Context, in Incident) (Incident, error) {
	in = prepare(in)
	details, err := json.Marshal(in.Details)
	if err != nil {
		return Incident{}, storeError("log", err)
	}
	_, err = s.conn.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, incident_type, severity, session_id, logged_at, details) VALUES ($1, $2, $3, $4, $5, $6)`, s.table),
		in.ID, in.Type, in.Severity, in.SessionID, in.LoggedAt, details)
	if err != nil {
		return Incident{}, storeError("log", err)
	}
	return in, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Incident, error) {
	query := fmt.Sprintf(`SELECT id, incident_type, severity, COALESCE(session_id, ''), logged_at, details FROM %s ORDER BY logged_at DESC`, s.table)
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list", err)
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		var (
			in      Incident
			at      time.Time
			details []byte
		)
		if err := rows.Scan(&in.ID, &in.Type, &in.Severity, &in.SessionID, &at, &details); err != nil {
			return nil, storeError("list", err)
		}
		in.LoggedAt = at
		if len(details) > 0 {
			_ = json.Unmarshal(details, &in.Details)
		}
		out = append(out, in)
	}
	return out, storeError("list", rows.Err())
}

func (s *PostgresStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
