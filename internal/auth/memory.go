package auth

import (
	"context"
	"sync"
	"time"

	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
)

// MemoryStore is an in-process CredentialStore and RefreshTokenStore.
// A single mutex makes every check-then-write atomic.
type MemoryStore struct {
	mu          sync.Mutex
	actors      map[string]Actor
	assignments map[string]Assignment
	tokens      map[string]RefreshToken
	now         func() time.Time
}

var (
	_ CredentialStore   = (*MemoryStore)(nil)
	_ RefreshTokenStore = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:      make(map[string]Actor),
		assignments: make(map[string]Assignment),
		tokens:      make(map[string]RefreshToken),
		now:         time.Now,
	}
}

func (m *MemoryStore) CreateActor(_ context.Context, a Actor) (Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.actors {
		if existing.Identity == a.Identity && !existing.State.IsDeleted() {
			return Actor{}, errs.ErrConflict
		}
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if _, ok := m.actors[a.ID]; ok {
		return Actor{}, errs.ErrConflict
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.actors[a.ID] = a
	return a, nil
}

func (m *MemoryStore) FindActor(_ context.Context, id string) (Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok {
		return Actor{}, errs.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) FindActorByIdentity(_ context.Context, identity string) (Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actors {
		if a.Identity == identity && !a.State.IsDeleted() {
			return a, nil
		}
	}
	return Actor{}, errs.ErrNotFound
}

func (m *MemoryStore) SetActorActive(_ context.Context, id string, active bool, at time.Time) (Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok || a.State.IsDeleted() {
		return Actor{}, errs.ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = at.UTC()
	m.actors[id] = a
	return a, nil
}

func (m *MemoryStore) SoftDeleteActor(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok {
		return errs.ErrNotFound
	}
	next, err := a.State.Delete(at)
	if err != nil {
		return errs.ErrNotFound
	}
	a.State = next
	a.UpdatedAt = at.UTC()
	m.actors[id] = a
	return nil
}

func (m *MemoryStore) PurgeActor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.actors, id)
	for key, as := range m.assignments {
		if as.ActorID == id {
			delete(m.assignments, key)
		}
	}
	for key, t := range m.tokens {
		if t.ActorID == id {
			delete(m.tokens, key)
		}
	}
	return nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[a.ActorID]; !ok {
		return Assignment{}, errs.ErrNotFound
	}
	for _, existing := range m.assignments {
		if existing.ActorID == a.ActorID && existing.TenantID == a.TenantID && !existing.State.IsDeleted() {
			return Assignment{}, errs.ErrConflict
		}
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = AssignmentActive
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.assignments[a.ID] = a
	return a, nil
}

func (m *MemoryStore) FindAssignment(_ context.Context, id string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, errs.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, actorID string) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.ActorID == actorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetAssignmentStatus(_ context.Context, id string, status AssignmentStatus, at time.Time) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.State.IsDeleted() {
		return Assignment{}, errs.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = at.UTC()
	m.assignments[id] = a
	return a, nil
}

func (m *MemoryStore) SoftDeleteAssignment(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return errs.ErrNotFound
	}
	next, err := a.State.Delete(at)
	if err != nil {
		return errs.ErrNotFound
	}
	a.State = next
	a.UpdatedAt = at.UTC()
	m.assignments[id] = a
	return nil
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; ok {
		return errs.ErrConflict
	}
	m.tokens[t.ID] = t
	return nil
}

func (m *MemoryStore) FindRefreshToken(_ context.Context, id string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return RefreshToken{}, errs.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ConsumeRefreshToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return errs.ErrNotFound
	}
	if t.Revoked() {
		return ErrTokenConsumed
	}
	at = at.UTC()
	t.RevokedAt = &at
	m.tokens[id] = t
	return nil
}

func (m *MemoryStore) RevokeFamily(_ context.Context, familyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeWhere(func(t RefreshToken) bool { return t.FamilyID == familyID }, at)
	return nil
}

func (m *MemoryStore) RevokeActorTokens(_ context.Context, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeWhere(func(t RefreshToken) bool { return t.ActorID == actorID }, at)
	return nil
}

func (m *MemoryStore) revokeWhere(match func(RefreshToken) bool, at time.Time) {
	at = at.UTC()
	for id, t := range m.tokens {
		if match(t) && !t.Revoked() {
			stamp := at
			t.RevokedAt = &stamp
			m.tokens[id] = t
		}
	}
}
