package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists configuration events in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_config_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant_identity TEXT NOT NULL,
			source TEXT NOT NULL,
			instructions TEXT NOT NULL,
			voice TEXT NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			turn_detection TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_config_events_session_created ON session_config_events (session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_config_events_created ON session_config_events (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_config_events
		 (id, session_id, participant_identity, source, instructions, voice, temperature, turn_detection, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID,
		record.SessionID,
		record.ParticipantIdentity,
		string(record.Source),
		record.Instructions,
		record.Voice,
		record.Temperature,
		record.TurnDetection,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save config event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, participant_identity, source, instructions, voice, temperature, turn_detection, pii_redacted, created_at
		 FROM session_config_events
		 WHERE $1 = '' OR session_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query config events: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		var source string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ParticipantIdentity, &source, &r.Instructions, &r.Voice, &r.Temperature, &r.TurnDetection, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config event row: %w", err)
		}
		r.Source = Source(source)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config event rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
