package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/softdelete"
)

const actorColumns = `id, identity, role, password_hash, active, deleted_at, created_at, updated_at`

func scanActor(row rowScanner) (auth.Actor, error) {
	var (
		a       auth.Actor
		role    string
		deleted sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Identity, &role, &a.PasswordHash, &a.Active, &deleted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return auth.Actor{}, err
	}
	a.Role = auth.Role(role)
	a.State = softdelete.FromNullTime(deleted)
	return a, nil
}

// CreateActor relies on actors_identity_live_uq to reject a second live
// actor with the same identity.
func (s *Store) CreateActor(ctx context.Context, a auth.Actor) (auth.Actor, error) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into actors (id, identity, role, password_hash, active)
		values ($1, $2, $3, $4, $5)
		returning `+actorColumns,
		a.ID, strings.ToLower(a.Identity), string(a.Role), a.PasswordHash, a.Active)
	created, err := scanActor(row)
	if err != nil {
		return auth.Actor{}, translate(err)
	}
	return created, nil
}

func (s *Store) FindActor(ctx context.Context, id string) (auth.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where id = $1`, id)
	a, err := scanActor(row)
	if err != nil {
		return auth.Actor{}, translate(err)
	}
	return a, nil
}

func (s *Store) FindActorByIdentity(ctx context.Context, identity string) (auth.Actor, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+actorColumns+`
		from actors
		where identity = $1 and deleted_at is null
	`, strings.ToLower(identity))
	a, err := scanActor(row)
	if err != nil {
		return auth.Actor{}, translate(err)
	}
	return a, nil
}

func (s *Store) SetActorActive(ctx context.Context, id string, active bool, at time.Time) (auth.Actor, error) {
	row := s.db.QueryRowContext(ctx, `
		update actors
		set active = $2, updated_at = $3
		where id = $1 and deleted_at is null
		returning `+actorColumns,
		id, active, at.UTC())
	a, err := scanActor(row)
	if err != nil {
		return auth.Actor{}, translate(err)
	}
	return a, nil
}

func (s *Store) SoftDeleteActor(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update actors
		set deleted_at = $2, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, at.UTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// PurgeActor removes an actor with its assignments and refresh tokens.
// Audit rows are kept.
func (s *Store) PurgeActor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from refresh_tokens where actor_id = $1`, id); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from assignments where actor_id = $1`, id); err != nil {
		return translate(err)
	}
	res, err := tx.ExecContext(ctx, `delete from actors where id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
