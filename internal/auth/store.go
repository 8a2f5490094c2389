package auth

import (
	"context"
	"time"
)

// ActorStore persists actors and their credential hashes.
//
// CreateActor must enforce identity uniqueness among non-deleted actors
// atomically and report a duplicate as errs.ErrConflict. FindActor returns
// deleted actors too; FindActorByIdentity only live ones. SoftDeleteActor is
// a compare-and-set and reports an absent or already deleted actor as
// errs.ErrNotFound.
type ActorStore interface {
	CreateActor(ctx context.Context, actor Actor) (Actor, error)
	FindActor(ctx context.Context, id string) (Actor, error)
	FindActorByIdentity(ctx context.Context, identity string) (Actor, error)
	SetActorActive(ctx context.Context, id string, active bool, at time.Time) (Actor, error)
	SoftDeleteActor(ctx context.Context, id string, at time.Time) error
	PurgeActor(ctx context.Context, id string) error
}

// AssignmentStore persists actor to tenant assignments.
//
// ListAssignments returns every assignment of an actor including suspended
// and deleted ones; callers decide which grant access.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	FindAssignment(ctx context.Context, id string) (Assignment, error)
	ListAssignments(ctx context.Context, actorID string) ([]Assignment, error)
	SetAssignmentStatus(ctx context.Context, id string, status AssignmentStatus, at time.Time) (Assignment, error)
	SoftDeleteAssignment(ctx context.Context, id string, at time.Time) error
}

// CredentialStore groups the identity side of persistence.
type CredentialStore interface {
	ActorStore
	AssignmentStore
}

// RefreshTokenStore persists refresh token records.
//
// ConsumeRefreshToken marks an unrevoked token revoked in one atomic step;
// when the token is already revoked it returns ErrTokenConsumed, so of two
// concurrent consumers exactly one succeeds.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, t RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	ConsumeRefreshToken(ctx context.Context, id string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error
	RevokeActorTokens(ctx context.Context, actorID string, at time.Time) error
}
