package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
)

func (s *Store) CreateRefreshToken(ctx context.Context, t auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, actor_id, family_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.ActorID, t.FamilyID, t.TokenHash, t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	return translate(err)
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, actor_id, family_id, token_hash, expires_at, created_at, revoked_at
		from refresh_tokens
		where id = $1
	`, id).Scan(&t.ID, &t.ActorID, &t.FamilyID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &revoked)
	if err != nil {
		return auth.RefreshToken{}, translate(err)
	}
	if revoked.Valid {
		at := revoked.Time
		t.RevokedAt = &at
	}
	return t, nil
}

// ConsumeRefreshToken is a single conditional update; the row count decides
// which of two concurrent consumers wins.
func (s *Store) ConsumeRefreshToken(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, at.UTC())
	if err != nil {
		return err
	}
	err = requireAffected(res)
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errs.ErrNotFound
	}
	return auth.ErrTokenConsumed
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where family_id = $1 and revoked_at is null
	`, familyID, at.UTC())
	return err
}

func (s *Store) RevokeActorTokens(ctx context.Context, actorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where actor_id = $1 and revoked_at is null
	`, actorID, at.UTC())
	return err
}
