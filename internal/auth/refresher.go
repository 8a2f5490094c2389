package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
)

// Refresher rotates refresh tokens. Each refresh token can be consumed
// once; presenting a consumed token again revokes its whole family.
type Refresher struct {
	actors   ActorStore
	tokens   RefreshTokenStore
	issuer   TokenIssuer
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewRefresher constructs a Refresher.
func NewRefresher(actors ActorStore, tokens RefreshTokenStore, issuer TokenIssuer, recorder *audit.Recorder) *Refresher {
	return &Refresher{
		actors:   actors,
		tokens:   tokens,
		issuer:   issuer,
		recorder: recorder,
		logger:   obs.Logger(),
		now:      time.Now,
	}
}

// Start opens a new refresh family for actor and persists its first token.
func (r *Refresher) Start(ctx context.Context, actor Actor) (TokenPair, error) {
	return r.mint(ctx, actor, "")
}

// Refresh consumes refreshToken and returns a new pair in the same family.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, Actor, error) {
	claims, err := r.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return r.deny(ctx, "", "", "invalid", "invalid token")
	}
	record, err := r.tokens.FindRefreshToken(ctx, claims.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return r.deny(ctx, claims.ActorID, "", "invalid", "unknown token")
	}
	if err != nil {
		return TokenPair{}, Actor{}, err
	}
	if !secureCompare(record.TokenHash, HashToken(refreshToken)) || record.ActorID != claims.ActorID {
		return r.deny(ctx, claims.ActorID, record.ID, "invalid", "token mismatch")
	}
	if record.Revoked() {
		return r.reuse(ctx, record)
	}
	if r.now().After(record.ExpiresAt) {
		return r.deny(ctx, record.ActorID, record.ID, "invalid", "expired")
	}

	actor, err := r.actors.FindActor(ctx, record.ActorID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return TokenPair{}, Actor{}, err
	}
	if err != nil || !actor.Usable() {
		if rerr := r.tokens.RevokeFamily(ctx, record.FamilyID, r.now()); rerr != nil {
			r.logger.Warn("revoke refresh family failed", zap.String("family_id", record.FamilyID), zap.Error(rerr))
		}
		return r.deny(ctx, record.ActorID, record.ID, "inactive", "actor inactive")
	}

	if err := r.tokens.ConsumeRefreshToken(ctx, record.ID, r.now()); err != nil {
		if errors.Is(err, ErrTokenConsumed) {
			return r.reuse(ctx, record)
		}
		return TokenPair{}, Actor{}, err
	}

	pair, err := r.mint(ctx, actor, record.FamilyID)
	if err != nil {
		return TokenPair{}, Actor{}, err
	}
	obs.RefreshOutcome("ok")
	r.recorder.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		Action:     "auth.refresh",
		EntityType: "session",
		EntityID:   record.FamilyID,
		Outcome:    audit.OutcomeSuccess,
	})
	return pair, actor, nil
}

// Revoke ends the session refreshToken belongs to. Unknown or invalid
// tokens are reported as errs.ErrUnauthorized.
func (r *Refresher) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := r.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return errs.ErrUnauthorized
	}
	record, err := r.tokens.FindRefreshToken(ctx, claims.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !secureCompare(record.TokenHash, HashToken(refreshToken)) {
		return errs.ErrUnauthorized
	}
	if err := r.tokens.RevokeFamily(ctx, record.FamilyID, r.now()); err != nil {
		return err
	}
	r.recorder.Record(ctx, audit.Entry{
		ActorID:    record.ActorID,
		Action:     "auth.logout",
		EntityType: "session",
		EntityID:   record.FamilyID,
	})
	return nil
}

// RevokeAll revokes every refresh token held by actorID.
func (r *Refresher) RevokeAll(ctx context.Context, actorID string) error {
	return r.tokens.RevokeActorTokens(ctx, actorID, r.now())
}

func (r *Refresher) mint(ctx context.Context, actor Actor, familyID string) (TokenPair, error) {
	pair, rec, err := r.issuer.Issue(actor, familyID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := r.tokens.CreateRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (r *Refresher) reuse(ctx context.Context, record RefreshToken) (TokenPair, Actor, error) {
	if err := r.tokens.RevokeFamily(ctx, record.FamilyID, r.now()); err != nil {
		r.logger.Warn("revoke refresh family failed", zap.String("family_id", record.FamilyID), zap.Error(err))
	}
	r.logger.Warn("refresh token reuse detected",
		zap.String("actor_id", record.ActorID),
		zap.String("family_id", record.FamilyID),
		zap.String("request_id", audit.RequestIDFromContext(ctx)),
	)
	return r.deny(ctx, record.ActorID, record.FamilyID, "reuse", "refresh token reuse")
}

func (r *Refresher) deny(ctx context.Context, actorID, entityID, outcome, reason string) (TokenPair, Actor, error) {
	obs.RefreshOutcome(outcome)
	r.recorder.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     "auth.refresh",
		EntityType: "session",
		EntityID:   entityID,
		Outcome:    audit.OutcomeDenied,
		Reason:     reason,
	})
	return TokenPair{}, Actor{}, errs.ErrUnauthorized
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
