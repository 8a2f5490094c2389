package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
)

// Target names the resource an action applies to. An empty ID addresses
// the collection inside TenantID, which is how creates and listings are
// authorized.
type Target struct {
	Type     string
	ID       string
	TenantID string
}

// Request is a single authorization question.
type Request struct {
	Token  string
	Action Action
	Target Target
}

// Decision is the outcome of an allowed request.
type Decision struct {
	Actor    auth.Actor
	Scope    Scope
	Resource Resource
}

// Resolver decides whether the bearer of an access token may act on a target.
type Resolver struct {
	issuer   auth.TokenIssuer
	store    auth.CredentialStore
	policy   *Policy
	recorder *audit.Recorder
	logger   *zap.Logger

	mu      sync.RWMutex
	loaders map[string]ResourceLoader
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p *Policy) Option {
	return func(r *Resolver) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithRecorder audits every decision through recorder.
func WithRecorder(recorder *audit.Recorder) Option {
	return func(r *Resolver) { r.recorder = recorder }
}

// WithLoader registers loader for resourceType.
func WithLoader(resourceType string, loader ResourceLoader) Option {
	return func(r *Resolver) { r.loaders[resourceType] = loader }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver builds a Resolver. Actor and assignment resources are always
// loadable.
func NewResolver(issuer auth.TokenIssuer, store auth.CredentialStore, opts ...Option) *Resolver {
	r := &Resolver{
		issuer:  issuer,
		store:   store,
		policy:  DefaultPolicy(),
		logger:  obs.Logger(),
		loaders: map[string]ResourceLoader{
			ResourceActor:      ActorLoader(store),
			ResourceAssignment: AssignmentLoader(store),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the loader for resourceType.
func (r *Resolver) Register(resourceType string, loader ResourceLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[resourceType] = loader
}

func (r *Resolver) loader(resourceType string) (ResourceLoader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[resourceType]
	return l, ok
}

// Authenticate verifies an access token and returns the live actor it
// names. The stored actor is reloaded on every call, so deactivation and
// deletion take effect before the token expires.
func (r *Resolver) Authenticate(ctx context.Context, token string) (auth.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.Actor{}, errs.ErrUnauthorized
	}
	claims, err := r.issuer.VerifyAccess(token)
	if err != nil {
		return auth.Actor{}, errs.ErrUnauthorized
	}
	actor, err := r.store.FindActor(ctx, claims.ActorID)
	if errors.Is(err, errs.ErrNotFound) {
		return auth.Actor{}, errs.ErrUnauthorized
	}
	if err != nil {
		return auth.Actor{}, err
	}
	if !actor.Usable() {
		return auth.Actor{}, errs.ErrUnauthorized
	}
	return actor, nil
}

// Authorize answers req. Denials return one of errs.ErrUnauthorized,
// errs.ErrForbidden, errs.ErrNotFound or errs.ErrValidation. Every
// decision is audited.
func (r *Resolver) Authorize(ctx context.Context, req Request) (Decision, error) {
	dec, err := r.decide(ctx, req)
	r.observe(ctx, req, dec, err)
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

func (r *Resolver) decide(ctx context.Context, req Request) (Decision, error) {
	actor, err := r.Authenticate(ctx, req.Token)
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{Actor: actor}

	action, err := ParseAction(string(req.Action))
	if err != nil {
		return dec, err
	}
	if strings.TrimSpace(req.Target.Type) == "" {
		return dec, fmt.Errorf("%w: target type is required", errs.ErrValidation)
	}
	scope, ok := r.policy.Scope(actor.Role, req.Target.Type, action)
	if !ok {
		return dec, errs.ErrForbidden
	}
	dec.Scope = scope

	res, err := r.resolveTarget(ctx, actor, scope, req.Target)
	if err != nil {
		return dec, err
	}
	dec.Resource = res

	if res.State.IsDeleted() && scope != ScopePlatform {
		return dec, errs.ErrNotFound
	}

	switch scope {
	case ScopePlatform:
		return dec, nil
	case ScopeSelf:
		if r.owns(actor, res) {
			return dec, nil
		}
		return dec, errs.ErrForbidden
	case ScopeTenant:
		granted, err := r.inTenant(ctx, actor, res.TenantID)
		if err != nil {
			return dec, err
		}
		if granted {
			return dec, nil
		}
		return dec, errs.ErrForbidden
	default:
		return dec, errs.ErrForbidden
	}
}

// resolveTarget loads an addressed resource, or describes the collection
// a create or listing lands in.
func (r *Resolver) resolveTarget(ctx context.Context, actor auth.Actor, scope Scope, t Target) (Resource, error) {
	if t.ID == "" {
		if t.TenantID == "" && scope != ScopePlatform {
			return Resource{}, fmt.Errorf("%w: tenant id is required", errs.ErrValidation)
		}
		return Resource{Type: t.Type, TenantID: t.TenantID, OwnerID: actor.ID}, nil
	}
	loader, ok := r.loader(t.Type)
	if !ok {
		return Resource{}, fmt.Errorf("%w: unsupported resource type %q", errs.ErrValidation, t.Type)
	}
	res, err := loader.LoadResource(ctx, t.ID)
	if err != nil {
		return Resource{}, err
	}
	if res.Type == "" {
		res.Type = t.Type
	}
	return res, nil
}

func (r *Resolver) owns(actor auth.Actor, res Resource) bool {
	if res.Type == ResourceActor {
		return res.ID == actor.ID
	}
	return res.OwnerID != "" && res.OwnerID == actor.ID
}

func (r *Resolver) inTenant(ctx context.Context, actor auth.Actor, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, nil
	}
	assignments, err := r.store.ListAssignments(ctx, actor.ID)
	if err != nil {
		return false, err
	}
	for _, a := range assignments {
		if a.Grants(tenantID) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) observe(ctx context.Context, req Request, dec Decision, err error) {
	scope := string(dec.Scope)
	if scope == "" {
		scope = "none"
	}
	entry := audit.Entry{
		ActorID:    dec.Actor.ID,
		Action:     "authz." + string(req.Action),
		EntityType: req.Target.Type,
		EntityID:   req.Target.ID,
		Outcome:    audit.OutcomeSuccess,
	}
	if entry.EntityID == "" {
		entry.EntityID = req.Target.TenantID
	}
	outcome := "allow"
	if err != nil {
		outcome = "deny"
		entry.Outcome = audit.OutcomeDenied
		entry.Reason = denyReason(err)
		if errs.Kind(err) == nil {
			r.logger.Error("authorization failed", zap.String("actor_id", dec.Actor.ID), zap.Error(err))
		}
	}
	obs.AuthzDecision(scope, outcome)
	r.recorder.Record(ctx, entry)
}

func denyReason(err error) string {
	if k := errs.Kind(err); k != nil {
		return strings.TrimPrefix(k.Error(), "errs: ")
	}
	return "internal error"
}
