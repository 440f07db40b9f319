package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts the ingest key lookup for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	ProjectID string
	KeyHash   string
	Revoked   bool
}

// sqlKeyStore reads the ingest_keys table through database/sql (pgx driver).
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, key_hash, revoked_at IS NOT NULL
		FROM ingest_keys
		WHERE key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.ProjectID, &r.KeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates ingest keys against bcrypt hashes stored in
// Postgres, caching resolved projects.
type PostgresAuthenticator struct {
	store    KeyStore
	cache    *KeyCache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen admits requests under a degraded project when the key store
	// is unreachable. Keys that are found but do not match are always rejected.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewKeyCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Project, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cached := a.cache.Get(token)
	if cached.Hit {
		if cached.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cached.Project, nil
	}

	project, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if a.failOpen && !errors.Is(err, ErrUnauthenticated) {
			a.logger.Warn("ingest key store unavailable, degrading to fail-open", zap.Error(err))
			return &Project{ProjectID: "unknown", Degraded: true}, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, project)
	return project, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Project, error) {
	prefix := token[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	return &Project{ProjectID: row.ProjectID}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	project, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		a.cache.Evict(token)
		a.logger.Info("ingest key no longer valid, evicted from cache")
		return
	}
	if err != nil {
		a.cache.RefreshFailed(token)
		a.logger.Warn("background ingest key refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, project)
}
