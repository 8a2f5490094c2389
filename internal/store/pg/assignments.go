package pg

import (
	"context"
	"database/sql"
	"time"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/softdelete"
)

const assignmentColumns = `id, actor_id, tenant_id, status, deleted_at, created_at, updated_at`

func scanAssignment(row rowScanner) (auth.Assignment, error) {
	var (
		a       auth.Assignment
		status  string
		deleted sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.ActorID, &a.TenantID, &status, &deleted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return auth.Assignment{}, err
	}
	a.Status = auth.AssignmentStatus(status)
	a.State = softdelete.FromNullTime(deleted)
	return a, nil
}

// CreateAssignment reports an unknown actor as errs.ErrNotFound and a second
// live assignment to the same tenant as errs.ErrConflict.
func (s *Store) CreateAssignment(ctx context.Context, a auth.Assignment) (auth.Assignment, error) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = auth.AssignmentActive
	}
	row := s.db.QueryRowContext(ctx, `
		insert into assignments (id, actor_id, tenant_id, status)
		values ($1, $2, $3, $4)
		returning `+assignmentColumns,
		a.ID, a.ActorID, a.TenantID, string(a.Status))
	created, err := scanAssignment(row)
	if err != nil {
		return auth.Assignment{}, translate(err)
	}
	return created, nil
}

func (s *Store) FindAssignment(ctx context.Context, id string) (auth.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from assignments where id = $1`, id)
	a, err := scanAssignment(row)
	if err != nil {
		return auth.Assignment{}, translate(err)
	}
	return a, nil
}

func (s *Store) ListAssignments(ctx context.Context, actorID string) ([]auth.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+`
		from assignments
		where actor_id = $1
		order by created_at
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SetAssignmentStatus(ctx context.Context, id string, status auth.AssignmentStatus, at time.Time) (auth.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		update assignments
		set status = $2, updated_at = $3
		where id = $1 and deleted_at is null
		returning `+assignmentColumns,
		id, string(status), at.UTC())
	a, err := scanAssignment(row)
	if err != nil {
		return auth.Assignment{}, translate(err)
	}
	return a, nil
}

func (s *Store) SoftDeleteAssignment(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update assignments
		set deleted_at = $2, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, at.UTC())
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}
