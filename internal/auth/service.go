package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/obs"
)

// Service wires the credential verifier, token issuer and session
// refresher behind the join/login/refresh/logout operations.
type Service struct {
	store    CredentialStore
	tokens   RefreshTokenStore
	recorder *audit.Recorder
	hasher   Hasher
	logger   *zap.Logger
	now      func() time.Time

	tokenSecret string
	issuerName  string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	issuer      TokenIssuer

	verifier  *Verifier
	refresher *Refresher
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.tokenSecret = strings.TrimSpace(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuerName = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher overrides the credential hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithRecorder routes audit entries to recorder.
func WithRecorder(recorder *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = recorder
		return nil
	}
}

// WithTokenIssuer replaces the built-in JWT issuer.
func WithTokenIssuer(issuer TokenIssuer) ServiceOption {
	return func(s *Service) error {
		s.issuer = issuer
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store CredentialStore, tokens RefreshTokenStore, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil {
		return nil, errors.New("auth: credential and token stores are required")
	}
	svc := &Service{
		store:      store,
		tokens:     tokens,
		hasher:     DefaultArgon2id(),
		logger:     obs.Logger(),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.issuer == nil {
		issuer, err := NewJWTIssuer(svc.tokenSecret,
			WithIssuerName(svc.issuerName),
			WithTTLs(svc.accessTTL, svc.refreshTTL),
			WithIssuerClock(svc.now),
		)
		if err != nil {
			return nil, err
		}
		svc.issuer = issuer
	}

	svc.verifier = NewVerifier(store, svc.hasher, svc.recorder)
	svc.verifier.now = svc.now
	svc.refresher = NewRefresher(store, tokens, svc.issuer, svc.recorder)
	svc.refresher.now = svc.now
	svc.refresher.logger = svc.logger
	return svc, nil
}

// Issuer exposes the token issuer for request authorization.
func (s *Service) Issuer() TokenIssuer { return s.issuer }

// Store exposes the credential store.
func (s *Service) Store() CredentialStore { return s.store }

// Verifier exposes the credential verifier.
func (s *Service) Verifier() *Verifier { return s.verifier }

// Refresher exposes the session refresher.
func (s *Service) Refresher() *Refresher { return s.refresher }

// Join registers a new actor and opens its first session.
func (s *Service) Join(ctx context.Context, identity, secret string, role Role) (Authorized, error) {
	actor, err := s.verifier.Register(ctx, identity, secret, role)
	if err != nil {
		return Authorized{}, err
	}
	return s.open(ctx, actor)
}

// Login authenticates credentials and opens a session.
func (s *Service) Login(ctx context.Context, identity, secret string) (Authorized, error) {
	actor, err := s.verifier.Authenticate(ctx, identity, secret)
	if err != nil {
		return Authorized{}, err
	}
	return s.open(ctx, actor)
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Authorized, error) {
	pair, actor, err := s.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return Authorized{}, err
	}
	return Authorized{Actor: actor, Token: pair}, nil
}

// Logout revokes the session refreshToken belongs to.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.refresher.Revoke(ctx, refreshToken)
}

func (s *Service) open(ctx context.Context, actor Actor) (Authorized, error) {
	pair, err := s.refresher.Start(ctx, actor)
	if err != nil {
		return Authorized{}, err
	}
	return Authorized{Actor: actor, Token: pair}, nil
}
