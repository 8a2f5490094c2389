package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements the credential, refresh token and audit stores on Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ auth.CredentialStore   = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
)

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("pg: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity within timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps driver errors onto the errs taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			logConstraint(pgErr)
			return fmt.Errorf("%w: %s", errs.ErrConflict, conflictDetail(pgErr.ConstraintName))
		case pgErrForeignKeyViolation:
			logConstraint(pgErr)
			return fmt.Errorf("%w: referenced actor does not exist", errs.ErrNotFound)
		}
	}
	return err
}

// conflictDetail is the client-facing text for a unique violation. Index
// names stay in the log.
func conflictDetail(constraint string) string {
	switch constraint {
	case "actors_identity_live_uq":
		return "identity already in use"
	case "assignments_actor_tenant_live_uq":
		return "actor is already assigned to the tenant"
	default:
		return "resource already exists"
	}
}

func logConstraint(pgErr *pgconn.PgError) {
	obs.Logger().Debug("postgres constraint violation",
		zap.String("code", pgErr.Code),
		zap.String("constraint", pgErr.ConstraintName),
		zap.String("table", pgErr.TableName),
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}
