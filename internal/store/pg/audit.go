package pg

import (
	"context"
	"fmt"
	"strings"

	"tenantgate.dev/internal/audit"
)

// AuditStore appends audit entries to audit_log.
type AuditStore struct {
	store *Store
}

var _ audit.Store = (*AuditStore)(nil)

// Audit returns the audit view of s.
func (s *Store) Audit() *AuditStore { return &AuditStore{store: s} }

func (a *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_log (id, actor_id, action, entity_type, entity_id, outcome, reason, request_id, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID, string(e.Outcome), e.Reason, e.RequestID, e.OccurredAt.UTC())
	return err
}

func (a *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until.UTC())
	}

	query := `select id, actor_id, action, entity_type, entity_id, outcome, reason, request_id, occurred_at from audit_log`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	args = append(args, audit.NormalizeLimit(f.Limit))
	query += fmt.Sprintf(` order by occurred_at desc, id desc limit $%d`, len(args))

	rows, err := a.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &outcome, &e.Reason, &e.RequestID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Outcome = audit.Outcome(outcome)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
