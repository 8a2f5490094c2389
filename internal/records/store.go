package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/obs"
)

// Store serves records from Postgres through gorm. Every mutation writes
// its audit row in the same transaction.
type Store struct {
	db       *gorm.DB
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder emits the structured audit line for committed mutations.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open wraps an existing connection pool in gorm.
func Open(conn *sql.DB) (*gorm.DB, error) {
	if conn == nil {
		return nil, errors.New("records: connection is required")
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	return db, nil
}

// New returns a Store over db.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: obs.Logger(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find returns a page of live records, or all records when
// q.IncludeDeleted is set.
func (s *Store) Find(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("tenant_id = ?", q.TenantID)
		if q.Kind != "" {
			db = db.Where("kind = ?", q.Kind)
		}
		if !q.IncludeDeleted {
			db = db.Where("deleted_at IS NULL")
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&recordModel{}).Scopes(scope).Count(&total).Error; err != nil {
		return Page{}, s.logError("records_find_count_failed", err, zap.String("tenant_id", q.TenantID))
	}

	var rows []recordModel
	if err := s.db.WithContext(ctx).
		Scopes(scope).
		Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Desc}).
		Limit(q.Limit).
		Offset((q.Page - 1) * q.Limit).
		Find(&rows).Error; err != nil {
		return Page{}, s.logError("records_find_failed", err, zap.String("tenant_id", q.TenantID))
	}
	return Page{Pagination: newPagination(q.Page, q.Limit, total), Data: toRecordEntities(rows)}, nil
}

// Get returns a live record. Deleted and unknown records are errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return Record{}, err
	}
	var row recordModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", strings.TrimSpace(id)).
		Take(&row).
		Error
	if err != nil {
		return Record{}, s.translate("records_get_failed", err, id)
	}
	return row.toEntity(), nil
}

// Create inserts rec. A live record with the same code in the tenant yields
// errs.ErrConflict.
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.normalize(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec.ID = ids.NewUUID()
	if rec.OwnerID == "" {
		rec.OwnerID = audit.ActorIDFromContext(ctx)
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	if rec.Attributes == nil {
		rec.Attributes = map[string]any{}
	}
	row := recordModelFromEntity(rec)

	entry := s.entry(ctx, "record.create", rec.ID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, entry)
	})
	if err != nil {
		return Record{}, s.translate("records_create_failed", err, rec.ID)
	}
	s.recorder.Logged(entry)
	return row.toEntity(), nil
}

// Update applies patch to a live record.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return Record{}, err
	}
	cols, err := patch.columns()
	if err != nil {
		return Record{}, err
	}
	cols["updated_at"] = s.now().UTC()

	var row recordModel
	entry := s.entry(ctx, "record.update", id)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&recordModel{}).Where("id = ? AND deleted_at IS NULL", id).UpdateColumns(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, entry)
	})
	if err != nil {
		return Record{}, s.translate("records_update_failed", err, id)
	}
	s.recorder.Logged(entry)
	return row.toEntity(), nil
}

// SoftDelete marks a live record deleted. Deleting it again returns
// errs.ErrNotFound.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	if err := ids.CheckUUID("id", id); err != nil {
		return err
	}
	now := s.now().UTC()
	entry := s.entry(ctx, "record.delete", id)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&recordModel{}).
			Where("id = ? AND deleted_at IS NULL", id).
			UpdateColumns(map[string]any{"deleted_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		return s.appendAudit(tx, entry)
	})
	if err != nil {
		return s.translate("records_soft_delete_failed", err, id)
	}
	s.recorder.Logged(entry)
	return nil
}

// Count returns the number of a tenant's records.
func (s *Store) Count(ctx context.Context, tenantID string, includeDeleted bool) (int64, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant_id is required", errs.ErrValidation)
	}
	tx := s.db.WithContext(ctx).Model(&recordModel{}).Where("tenant_id = ?", tenantID)
	if !includeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return 0, s.logError("records_count_failed", err, zap.String("tenant_id", tenantID))
	}
	return total, nil
}

// Purge removes a record permanently, deleted or not.
func (s *Store) Purge(ctx context.Context, id string) error {
	if err := ids.CheckUUID("id", id); err != nil {
		return err
	}
	entry := s.entry(ctx, "record.purge", id)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&recordModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		return s.appendAudit(tx, entry)
	})
	if err != nil {
		return s.translate("records_purge_failed", err, id)
	}
	s.recorder.Logged(entry)
	return nil
}

// LoadResource implements authz.ResourceLoader. Deleted records are
// returned with their deleted state.
func (s *Store) LoadResource(ctx context.Context, id string) (authz.Resource, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return authz.Resource{}, err
	}
	var row recordModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return authz.Resource{}, s.translate("records_load_resource_failed", err, id)
	}
	rec := row.toEntity()
	return authz.Resource{
		Type:     ResourceType,
		ID:       rec.ID,
		TenantID: rec.TenantID,
		OwnerID:  rec.OwnerID,
		State:    rec.State,
	}, nil
}

func (s *Store) entry(ctx context.Context, action, id string) audit.Entry {
	return s.recorder.Stamp(ctx, audit.Entry{Action: action, EntityType: ResourceType, EntityID: id})
}

type auditInsertError struct{ err error }

func (e auditInsertError) Error() string { return e.err.Error() }
func (e auditInsertError) Unwrap() error { return e.err }

func (s *Store) appendAudit(tx *gorm.DB, e audit.Entry) error {
	row := auditModelFromEntry(e)
	if err := tx.Create(&row).Error; err != nil {
		return auditInsertError{err: err}
	}
	return nil
}

func (s *Store) translate(event string, err error, id string) error {
	var auditErr auditInsertError
	switch {
	case errors.As(err, &auditErr):
		s.recorder.Failed(context.Background(), audit.Entry{EntityType: ResourceType, EntityID: id}, auditErr.err)
		return fmt.Errorf("%w: %v", errs.ErrAuditFailed, auditErr.err)
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, errs.ErrNotFound):
		return errs.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: code already in use", errs.ErrConflict)
	case isInvalidText(err):
		return fmt.Errorf("%w: malformed identifier", errs.ErrValidation)
	}
	return s.logError(event, err, zap.String("record_id", id))
}

func (s *Store) logError(event string, err error, fields ...zap.Field) error {
	fields = append([]zap.Field{zap.String("event", event), zap.Error(err)}, fields...)
	s.logger.Error("records store operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isInvalidText reports 22P02, raised when a value does not parse as the
// column type.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

var _ authz.ResourceLoader = (*Store)(nil)
