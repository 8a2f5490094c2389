package records

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
)

// MemoryStore keeps records in process. It backs tests and deployments
// started without a database; audit entries go through the recorder after
// each mutation.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	recorder *audit.Recorder
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(recorder *audit.Recorder) *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), recorder: recorder, now: time.Now}
}

func (m *MemoryStore) Find(_ context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	m.mu.Lock()
	matched := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if r.TenantID != q.TenantID {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if !q.IncludeDeleted && r.State.IsDeleted() {
			continue
		}
		matched = append(matched, r.clone())
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if q.Desc {
			return lessBy(q.OrderBy, matched[j], matched[i])
		}
		return lessBy(q.OrderBy, matched[i], matched[j])
	})

	total := int64(len(matched))
	start := (q.Page - 1) * q.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return Page{Pagination: newPagination(q.Page, q.Limit, total), Data: matched[start:end]}, nil
}

func lessBy(column string, a, b Record) bool {
	switch column {
	case "name":
		return a.Name < b.Name
	case "code":
		return a.Code < b.Code
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strings.TrimSpace(id)]
	if !ok || r.State.IsDeleted() {
		return Record{}, errs.ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.normalize(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	for _, existing := range m.records {
		if existing.TenantID == rec.TenantID && existing.Code == rec.Code && !existing.State.IsDeleted() {
			m.mu.Unlock()
			return Record{}, fmt.Errorf("%w: code already in use", errs.ErrConflict)
		}
	}
	now := m.now().UTC()
	rec.ID = ids.NewUUID()
	if rec.OwnerID == "" {
		rec.OwnerID = audit.ActorIDFromContext(ctx)
	}
	rec.Attributes = maps.Clone(rec.Attributes)
	if rec.Attributes == nil {
		rec.Attributes = map[string]any{}
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.ID] = rec
	m.mu.Unlock()

	m.record(ctx, "record.create", rec.ID)
	return rec.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.State.IsDeleted() {
		m.mu.Unlock()
		return Record{}, errs.ErrNotFound
	}
	if err := patch.apply(&r); err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	for _, existing := range m.records {
		if existing.ID != id && existing.TenantID == r.TenantID && existing.Code == r.Code && !existing.State.IsDeleted() {
			m.mu.Unlock()
			return Record{}, fmt.Errorf("%w: code already in use", errs.ErrConflict)
		}
	}
	r.UpdatedAt = m.now().UTC()
	m.records[id] = r
	m.mu.Unlock()

	m.record(ctx, "record.update", id)
	return r.clone(), nil
}

func (m *MemoryStore) SoftDelete(ctx context.Context, id string) error {
	if err := ids.CheckUUID("id", id); err != nil {
		return err
	}
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return errs.ErrNotFound
	}
	now := m.now().UTC()
	next, err := r.State.Delete(now)
	if err != nil {
		m.mu.Unlock()
		return errs.ErrNotFound
	}
	r.State = next
	r.UpdatedAt = now
	m.records[id] = r
	m.mu.Unlock()

	m.record(ctx, "record.delete", id)
	return nil
}

func (m *MemoryStore) Count(_ context.Context, tenantID string, includeDeleted bool) (int64, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant_id is required", errs.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.TenantID == tenantID && (includeDeleted || !r.State.IsDeleted()) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Purge(ctx context.Context, id string) error {
	if err := ids.CheckUUID("id", id); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return errs.ErrNotFound
	}
	delete(m.records, id)
	m.mu.Unlock()

	m.record(ctx, "record.purge", id)
	return nil
}

func (m *MemoryStore) LoadResource(_ context.Context, id string) (authz.Resource, error) {
	if err := ids.CheckUUID("id", id); err != nil {
		return authz.Resource{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return authz.Resource{}, errs.ErrNotFound
	}
	return authz.Resource{Type: ResourceType, ID: r.ID, TenantID: r.TenantID, OwnerID: r.OwnerID, State: r.State}, nil
}

// clone returns r with its own copy of Attributes. Stored records never
// share the map with callers.
func (r Record) clone() Record {
	r.Attributes = maps.Clone(r.Attributes)
	return r
}

func (m *MemoryStore) record(ctx context.Context, action, id string) {
	m.recorder.Record(ctx, audit.Entry{Action: action, EntityType: ResourceType, EntityID: id})
}

// apply copies the validated patch fields onto r.
func (p Patch) apply(r *Record) error {
	cols, err := p.columns()
	if err != nil {
		return err
	}
	if v, ok := cols["kind"].(string); ok {
		r.Kind = v
	}
	if v, ok := cols["code"].(string); ok {
		r.Code = v
	}
	if v, ok := cols["name"].(string); ok {
		r.Name = v
	}
	if p.Attributes != nil {
		r.Attributes = maps.Clone(p.Attributes)
	}
	return nil
}

var _ authz.ResourceLoader = (*MemoryStore)(nil)
