package auth

import (
	"fmt"
	"strings"
	"time"

	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/softdelete"
)

// Role is the closed set of actor role tags carried in tokens.
type Role string

const (
	// RoleAdmin acts at platform scope.
	RoleAdmin Role = "admin"
	// RoleManager administers the tenants it is assigned to.
	RoleManager Role = "manager"
	// RoleMember reads within its tenants and edits what it owns.
	RoleMember Role = "member"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleManager, RoleMember}

// Valid reports whether r belongs to the closed set.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole normalizes s and validates it.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unsupported role %q", errs.ErrValidation, s)
	}
	return r, nil
}

// Actor is an authenticated principal.
type Actor struct {
	ID           string           `json:"id"`
	Identity     string           `json:"identity"`
	Role         Role             `json:"role"`
	PasswordHash string           `json:"-"`
	Active       bool             `json:"active"`
	State        softdelete.State `json:"deleted_at"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Usable reports whether the actor may hold a session.
func (a Actor) Usable() bool {
	return a.Active && !a.State.IsDeleted()
}

// AssignmentStatus is the lifecycle status of a tenant assignment.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentSuspended AssignmentStatus = "suspended"
)

// ParseAssignmentStatus normalizes s and validates it.
func ParseAssignmentStatus(s string) (AssignmentStatus, error) {
	st := AssignmentStatus(strings.TrimSpace(strings.ToLower(s)))
	switch st {
	case AssignmentActive, AssignmentSuspended:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unsupported assignment status %q", errs.ErrValidation, s)
	}
}

// Assignment links an actor to a tenant.
type Assignment struct {
	ID        string           `json:"id"`
	ActorID   string           `json:"actor_id"`
	TenantID  string           `json:"tenant_id"`
	Status    AssignmentStatus `json:"status"`
	State     softdelete.State `json:"deleted_at"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Grants reports whether the assignment authorizes tenant-scoped access to tenantID.
// Matching is exact; tenants do not inherit from one another.
func (a Assignment) Grants(tenantID string) bool {
	return a.Status == AssignmentActive && !a.State.IsDeleted() && a.TenantID != "" && a.TenantID == tenantID
}

// RefreshToken is the persisted record behind an issued refresh token.
// Only a hash of the token string is stored.
type RefreshToken struct {
	ID        string
	ActorID   string
	FamilyID  string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the token was consumed or revoked.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access"`
	RefreshToken     string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"expired_at"`
	RefreshExpiresAt time.Time `json:"refreshable_until"`
}

// Authorized is returned by join, login and refresh: the actor fields plus
// the token pair.
type Authorized struct {
	Actor
	Token TokenPair `json:"token"`
}
