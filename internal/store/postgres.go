package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresStore keeps sessions in the tracked_sessions table.
//
//	CREATE TABLE tracked_sessions (
//	    id            UUID PRIMARY KEY,
//	    project_id    TEXT NOT NULL,
//	    resource_uuid TEXT NOT NULL,
//	    metadata      JSONB NOT NULL DEFAULT '{}',
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    completed_at  TIMESTAMPTZ
//	);
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a store over an open pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("Create: metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tracked_sessions (id, project_id, resource_uuid, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.ProjectID, s.ResourceUUID, string(metaJSON), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Lookup(ctx context.Context, projectID, sessionID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, project_id, resource_uuid, metadata, created_at, completed_at
		FROM tracked_sessions
		WHERE project_id = $1 AND id = $2
	`, projectID, sessionID)

	var (
		s         Session
		metaJSON  string
		completed sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.ResourceUUID, &metaJSON, &s.CreatedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			p.logger.Warn("session metadata unreadable",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func (p *PostgresStore) Complete(ctx context.Context, projectID, sessionID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tracked_sessions
		SET completed_at = COALESCE(completed_at, $3)
		WHERE project_id = $1 AND id = $2
	`, projectID, sessionID, at)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("Complete: %w", ErrSessionNotFound)
	}
	return nil
}
