package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
)

const minSecretLength = 8

// Verifier registers actors and checks submitted credentials. The secret
// never leaves this type except as a one-way hash.
type Verifier struct {
	actors   ActorStore
	hasher   Hasher
	recorder *audit.Recorder
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewVerifier constructs a Verifier.
func NewVerifier(actors ActorStore, hasher Hasher, recorder *audit.Recorder) *Verifier {
	if hasher == nil {
		hasher = DefaultArgon2id()
	}
	return &Verifier{actors: actors, hasher: hasher, recorder: recorder, now: time.Now}
}

// NormalizeIdentity lower-cases and trims an email identity and validates it.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(strings.ToLower(identity))
	if identity == "" {
		return "", fmt.Errorf("%w: identity is required", errs.ErrValidation)
	}
	addr, err := mail.ParseAddress(identity)
	if err != nil || addr.Address != identity {
		return "", fmt.Errorf("%w: identity must be an email address", errs.ErrValidation)
	}
	return identity, nil
}

// Register creates an active actor. A live actor with the same identity
// yields errs.ErrConflict.
func (v *Verifier) Register(ctx context.Context, identity, secret string, role Role) (Actor, error) {
	actor, err := v.register(ctx, identity, secret, role)
	outcome := audit.OutcomeSuccess
	reason := ""
	if err != nil {
		outcome = audit.OutcomeFailure
		reason = failureReason(err)
	}
	obs.AuthAttempt("register", string(outcome))
	v.recorder.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		Action:     "auth.register",
		EntityType: "actor",
		EntityID:   actor.ID,
		Outcome:    outcome,
		Reason:     reason,
	})
	return actor, err
}

func (v *Verifier) register(ctx context.Context, identity, secret string, role Role) (Actor, error) {
	identity, err := NormalizeIdentity(identity)
	if err != nil {
		return Actor{}, err
	}
	if len(secret) < minSecretLength {
		return Actor{}, fmt.Errorf("%w: secret must be at least %d characters", errs.ErrValidation, minSecretLength)
	}
	if !role.Valid() {
		return Actor{}, fmt.Errorf("%w: unsupported role %q", errs.ErrValidation, role)
	}
	hash, err := v.hasher.Hash(secret)
	if err != nil {
		return Actor{}, err
	}
	return v.actors.CreateActor(ctx, Actor{
		Identity:     identity,
		Role:         role,
		PasswordHash: hash,
		Active:       true,
	})
}

// Authenticate returns the live, active actor matching identity and secret.
// Every failure is reported as the same errs.ErrUnauthorized.
func (v *Verifier) Authenticate(ctx context.Context, identity, secret string) (Actor, error) {
	actor, err := v.authenticate(ctx, identity, secret)
	outcome := audit.OutcomeSuccess
	reason := ""
	if err != nil {
		outcome = audit.OutcomeFailure
		reason = "invalid credentials"
		if !errors.Is(err, errs.ErrUnauthorized) {
			reason = "internal error"
		}
	}
	obs.AuthAttempt("login", string(outcome))
	v.recorder.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		Action:     "auth.login",
		EntityType: "actor",
		EntityID:   actor.ID,
		Outcome:    outcome,
		Reason:     reason,
	})
	return actor, err
}

func (v *Verifier) authenticate(ctx context.Context, identity, secret string) (Actor, error) {
	identity = strings.TrimSpace(strings.ToLower(identity))
	if identity == "" || secret == "" {
		v.burn(secret)
		return Actor{}, errs.ErrUnauthorized
	}
	actor, err := v.actors.FindActorByIdentity(ctx, identity)
	if errors.Is(err, errs.ErrNotFound) {
		v.burn(secret)
		return Actor{}, errs.ErrUnauthorized
	}
	if err != nil {
		return Actor{}, err
	}
	ok, err := VerifyPassword(actor.PasswordHash, secret)
	if err != nil || !ok {
		return Actor{}, errs.ErrUnauthorized
	}
	if !actor.Usable() {
		return Actor{}, errs.ErrUnauthorized
	}
	return actor, nil
}

// burn spends the same hashing work as a real comparison so unknown
// identities are not distinguishable by latency.
func (v *Verifier) burn(secret string) {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = v.hasher.Hash("tenantgate-timing-equalizer")
	})
	if v.dummyHash != "" {
		_, _ = VerifyPassword(v.dummyHash, secret)
	}
}

func failureReason(err error) string {
	if k := errs.Kind(err); k != nil {
		return strings.TrimPrefix(k.Error(), "errs: ")
	}
	return "internal error"
}
