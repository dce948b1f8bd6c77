package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS section_progress (
		learner_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		section TEXT NOT NULL DEFAULT '',
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		skipped INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (learner_id, lesson_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_section_progress_learner ON section_progress (learner_id, section)`,
}

// PostgresSink persists section completion per learner and lesson
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects and ensures the schema exists
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init progress schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SectionCompleted upserts the learner's progress. A completed section stays
// completed when it is later finished with skips.
func (s *PostgresSink) SectionCompleted(ctx context.Context, event Event) error {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO section_progress (learner_id, lesson_id, section, completed, skipped, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (learner_id, lesson_id) DO UPDATE SET
			section = EXCLUDED.section,
			completed = section_progress.completed OR EXCLUDED.completed,
			skipped = EXCLUDED.skipped,
			attempts = section_progress.attempts + 1,
			updated_at = EXCLUDED.updated_at`,
		event.LearnerID,
		event.LessonID,
		event.Section,
		event.Completed,
		event.Skipped,
		at,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// CompletedLessons returns the lesson ids the learner has fully completed
func (s *PostgresSink) CompletedLessons(ctx context.Context, learnerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT lesson_id FROM section_progress WHERE learner_id = $1 AND completed ORDER BY lesson_id`,
		learnerID)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	return ids, nil
}

// Ping checks the database connection
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresSink) Close() {
	s.pool.Close()
}
