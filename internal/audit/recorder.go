package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/obs"
)

// FailureHandler observes entries that could not be persisted.
type FailureHandler func(ctx context.Context, e Entry, err error)

// Recorder appends audit entries to a Store and mirrors them to the log.
//
// Record never returns an error: a failed append is reported to operators
// through the log (audit_failed=true), the audit_failures_total counter and
// the optional FailureHandler. Stores that support transactions write the
// entry in the same unit as the mutation instead (see Stamp).
type Recorder struct {
	store     Store
	logger    *zap.Logger
	now       func() time.Time
	onFailure FailureHandler
	observers []func(Entry)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the logger; defaults to obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithFailureHandler registers a hook invoked when an append fails.
func WithFailureHandler(h FailureHandler) Option {
	return func(r *Recorder) { r.onFailure = h }
}

// WithObserver registers fn to receive every entry after it is logged.
// fn must not block.
func WithObserver(fn func(Entry)) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// NewRecorder constructs a Recorder over store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stamp fills the id, timestamp, request id and actor of e from the context
// without persisting it.
func (r *Recorder) Stamp(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		now := time.Now
		if r != nil {
			now = r.now
		}
		e.OccurredAt = now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.ActorID == "" {
		e.ActorID = ActorIDFromContext(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.Action = strings.TrimSpace(e.Action)
	return e
}

// Record stamps, logs and appends e.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	e = r.Stamp(ctx, e)
	r.Logged(e)
	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.Failed(ctx, e, err)
	}
}

// Logged writes the structured audit line for an entry persisted elsewhere.
func (r *Recorder) Logged(e Entry) {
	if r == nil {
		return
	}
	r.logger.Info("audit",
		zap.String("type", "audit"),
		zap.String("audit_id", e.ID),
		zap.String("action", e.Action),
		zap.String("actor_id", e.ActorID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("outcome", string(e.Outcome)),
		zap.String("reason", e.Reason),
		zap.String("request_id", e.RequestID),
		zap.Time("occurred_at", e.OccurredAt),
	)
	for _, fn := range r.observers {
		fn(e)
	}
}

// List returns entries matching f, newest first, with the limit clamped.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	f.Limit = NormalizeLimit(f.Limit)
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, fmt.Errorf("%w: until precedes since", errs.ErrValidation)
	}
	return r.store.List(ctx, f)
}

// Failed reports an entry that could not be persisted.
func (r *Recorder) Failed(ctx context.Context, e Entry, err error) {
	if r == nil {
		obs.AuditFailure()
		return
	}
	obs.AuditFailure()
	r.logger.Error("audit write failed",
		zap.Bool("audit_failed", true),
		zap.String("audit_id", e.ID),
		zap.String("action", e.Action),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.Error(err),
	)
	if r.onFailure != nil {
		r.onFailure(ctx, e, fmt.Errorf("%w: %v", errs.ErrAuditFailed, err))
	}
}
