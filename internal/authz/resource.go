package authz

import (
	"context"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/softdelete"
)

// Resource is the authorization view of a stored record.
type Resource struct {
	Type     string
	ID       string
	TenantID string
	OwnerID  string
	State    softdelete.State
}

// ResourceLoader loads the authorization view of a resource by id. Unknown
// ids return errs.ErrNotFound. Soft-deleted resources are returned with
// their deleted state.
type ResourceLoader interface {
	LoadResource(ctx context.Context, id string) (Resource, error)
}

// ResourceLoaderFunc adapts a function to ResourceLoader.
type ResourceLoaderFunc func(ctx context.Context, id string) (Resource, error)

func (f ResourceLoaderFunc) LoadResource(ctx context.Context, id string) (Resource, error) {
	return f(ctx, id)
}

// ActorLoader exposes actors as resources of type "actor". An actor owns
// its own record and belongs to no tenant.
func ActorLoader(actors auth.ActorStore) ResourceLoader {
	return ResourceLoaderFunc(func(ctx context.Context, id string) (Resource, error) {
		a, err := actors.FindActor(ctx, id)
		if err != nil {
			return Resource{}, err
		}
		return Resource{Type: ResourceActor, ID: a.ID, OwnerID: a.ID, State: a.State}, nil
	})
}

// AssignmentLoader exposes assignments as resources of type "assignment",
// owned by the assigned actor inside the assigned tenant.
func AssignmentLoader(assignments auth.AssignmentStore) ResourceLoader {
	return ResourceLoaderFunc(func(ctx context.Context, id string) (Resource, error) {
		a, err := assignments.FindAssignment(ctx, id)
		if err != nil {
			return Resource{}, err
		}
		return Resource{Type: ResourceAssignment, ID: a.ID, TenantID: a.TenantID, OwnerID: a.ActorID, State: a.State}, nil
	})
}
