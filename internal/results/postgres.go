package results

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists results in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rehearsal_results (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			scenario_title TEXT NOT NULL,
			analysis_status TEXT NOT NULL,
			score DOUBLE PRECISION,
			advice JSONB NOT NULL,
			improvements JSONB NOT NULL,
			transcript JSONB NOT NULL,
			duration_seconds INTEGER NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rehearsal_results_user_created ON rehearsal_results (user_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	record = prepare(record)
	advice, improvements, entries, err := encodeLists(record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rehearsal_results
		 (id, user_id, session_id, scenario_id, scenario_title, analysis_status, score,
		  advice, improvements, transcript, duration_seconds, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.ScenarioID,
		record.ScenarioTitle,
		record.AnalysisStatus,
		record.Score,
		advice,
		improvements,
		entries,
		record.DurationSeconds,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, scenario_id, scenario_title, analysis_status, score,
		        advice::text, improvements::text, transcript::text, duration_seconds, pii_redacted, created_at
		 FROM rehearsal_results WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r                             Record
			advice, improvements, entries string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.ScenarioID, &r.ScenarioTitle, &r.AnalysisStatus, &r.Score,
			&advice, &improvements, &entries, &r.DurationSeconds, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if err := decodeLists(&r, advice, improvements, entries); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
