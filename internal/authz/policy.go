package authz

import (
	"fmt"
	"strings"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
)

// Scope is the reach a role needs to perform an action on a resource.
type Scope string

const (
	ScopeSelf     Scope = "self"
	ScopeTenant   Scope = "tenant"
	ScopePlatform Scope = "platform"
)

// Action is the class of operation being authorized.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actions lists every action class.
var Actions = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(strings.ToLower(s)))
	switch a {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unsupported action %q", errs.ErrValidation, s)
	}
}

// Built-in resource types.
const (
	ResourceActor      = "actor"
	ResourceAssignment = "assignment"
	ResourceAudit      = "audit"
)

const anyResource = "*"

// Policy maps role, resource type and action to the required scope.
type Policy struct {
	grants map[auth.Role]map[string]map[Action]Scope
}

// NewPolicy returns an empty policy. Everything is forbidden until granted.
func NewPolicy() *Policy {
	return &Policy{grants: make(map[auth.Role]map[string]map[Action]Scope)}
}

// Grant allows role to perform actions on resourceType at scope.
// resourceType "*" applies to every type without a specific grant.
func (p *Policy) Grant(role auth.Role, resourceType string, scope Scope, actions ...Action) *Policy {
	byType, ok := p.grants[role]
	if !ok {
		byType = make(map[string]map[Action]Scope)
		p.grants[role] = byType
	}
	byAction, ok := byType[resourceType]
	if !ok {
		byAction = make(map[Action]Scope)
		byType[resourceType] = byAction
	}
	for _, a := range actions {
		byAction[a] = scope
	}
	return p
}

// Restrict removes every grant role holds on resourceType, including the
// "*" fallback.
func (p *Policy) Restrict(role auth.Role, resourceType string) *Policy {
	byType, ok := p.grants[role]
	if !ok {
		byType = make(map[string]map[Action]Scope)
		p.grants[role] = byType
	}
	byType[resourceType] = map[Action]Scope{}
	return p
}

// Scope returns the scope role needs for action on resourceType. ok is false
// when the role holds no grant for it.
func (p *Policy) Scope(role auth.Role, resourceType string, action Action) (Scope, bool) {
	byType, ok := p.grants[role]
	if !ok {
		return "", false
	}
	if byAction, ok := byType[resourceType]; ok {
		s, ok := byAction[action]
		return s, ok
	}
	s, ok := byType[anyResource][action]
	return s, ok
}

// DefaultPolicy is the built-in role table.
//
//	admin:   platform for everything
//	manager: tenant for everything
//	member:  tenant for read/create, self for update/delete
//
// Every role may read and update its own actor record; admin keeps
// platform scope on actors. Assignments and the audit log are admin only.
func DefaultPolicy() *Policy {
	p := NewPolicy()
	p.Grant(auth.RoleAdmin, anyResource, ScopePlatform, Actions...)
	p.Grant(auth.RoleAdmin, ResourceActor, ScopePlatform, Actions...)

	p.Grant(auth.RoleManager, anyResource, ScopeTenant, Actions...)
	p.Grant(auth.RoleManager, ResourceActor, ScopeSelf, ActionRead, ActionUpdate)

	p.Grant(auth.RoleMember, anyResource, ScopeTenant, ActionRead, ActionCreate)
	p.Grant(auth.RoleMember, anyResource, ScopeSelf, ActionUpdate, ActionDelete)
	p.Grant(auth.RoleMember, ResourceActor, ScopeSelf, ActionRead, ActionUpdate)

	for _, role := range []auth.Role{auth.RoleManager, auth.RoleMember} {
		p.Restrict(role, ResourceAssignment)
		p.Restrict(role, ResourceAudit)
	}
	return p
}
