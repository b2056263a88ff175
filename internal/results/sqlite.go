package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists results in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY; results are written once per session.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS rehearsal_results (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		scenario_title TEXT NOT NULL,
		analysis_status TEXT NOT NULL,
		score REAL,
		advice TEXT NOT NULL,
		improvements TEXT NOT NULL,
		transcript TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		pii_redacted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rehearsal_results_user_created ON rehearsal_results(user_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, record Record) error {
	record = prepare(record)
	advice, improvements, entries, err := encodeLists(record)
	if err != nil {
		return err
	}
	var score any
	if record.Score != nil {
		score = *record.Score
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO rehearsal_results
		(id, user_id, session_id, scenario_id, scenario_title, analysis_status, score,
		 advice, improvements, transcript, duration_seconds, pii_redacted, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.SessionID, record.ScenarioID, record.ScenarioTitle,
		record.AnalysisStatus, score, advice, improvements, entries,
		record.DurationSeconds, record.PIIRedacted, record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, session_id, scenario_id, scenario_title, analysis_status, score,
	       advice, improvements, transcript, duration_seconds, pii_redacted, created_at
	FROM rehearsal_results WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r                             Record
			score                         sql.NullFloat64
			advice, improvements, entries string
			createdAt                     int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.ScenarioID, &r.ScenarioTitle, &r.AnalysisStatus, &score,
			&advice, &improvements, &entries, &r.DurationSeconds, &r.PIIRedacted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if score.Valid {
			v := score.Float64
			r.Score = &v
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
