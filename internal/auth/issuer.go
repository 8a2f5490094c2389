package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantgate.dev/internal/ids"
)

const (
	defaultIssuer     = "tenantgate"
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeRefresh = "refresh"
	minSecretLen     = 32
	allowedSkew      = 5 * time.Second
)

// TokenIssuer mints and verifies signed bearer tokens.
type TokenIssuer interface {
	// Issue mints a pair for actor within the refresh family familyID and
	// returns the refresh record to persist.
	Issue(actor Actor, familyID string) (TokenPair, RefreshToken, error)
	VerifyAccess(token string) (*Claims, error)
	VerifyRefresh(token string) (*Claims, error)
}

// Claims is the token payload: {id, type[, tokenType]} plus registered claims.
type Claims struct {
	ActorID   string `json:"id"`
	Type      Role   `json:"type"`
	TokenType string `json:"tokenType,omitempty"`
	FamilyID  string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer is an HS256 TokenIssuer.
type JWTIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures JWTIssuer behavior.
type IssuerOption func(*JWTIssuer) error

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *JWTIssuer) error {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
		return nil
	}
}

// WithTTLs overrides the access and refresh lifetimes. Zero keeps the default.
func WithTTLs(access, refresh time.Duration) IssuerOption {
	return func(i *JWTIssuer) error {
		if access < 0 || refresh < 0 {
			return errors.New("auth: token TTLs must not be negative")
		}
		if access > 0 {
			i.accessTTL = access
		}
		if refresh > 0 {
			i.refreshTTL = refresh
		}
		return nil
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *JWTIssuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewJWTIssuer constructs an issuer signing with secret.
func NewJWTIssuer(secret string, opts ...IssuerOption) (*JWTIssuer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLen)
	}
	i := &JWTIssuer{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Issue signs an access and a refresh token for actor. Every token carries
// a fresh jti, so consecutive calls never return identical strings.
func (i *JWTIssuer) Issue(actor Actor, familyID string) (TokenPair, RefreshToken, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return TokenPair{}, RefreshToken{}, errors.New("auth: actor id is required")
	}
	if familyID == "" {
		familyID = ids.New()
	}
	now := i.now().UTC()

	accessExp := now.Add(i.accessTTL)
	access, err := i.sign(Claims{
		ActorID:          actor.ID,
		Type:             actor.Role,
		RegisteredClaims: i.registered(actor.ID, ids.New(), now, accessExp),
	})
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}

	refreshID := ids.New()
	refreshExp := now.Add(i.refreshTTL)
	refresh, err := i.sign(Claims{
		ActorID:          actor.ID,
		Type:             actor.Role,
		TokenType:        tokenTypeRefresh,
		FamilyID:         familyID,
		RegisteredClaims: i.registered(actor.ID, refreshID, now, refreshExp),
	})
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}

	rec := RefreshToken{
		ID:        refreshID,
		ActorID:   actor.ID,
		FamilyID:  familyID,
		TokenHash: HashToken(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: now,
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, rec, nil
}

// VerifyAccess validates an access token.
func (i *JWTIssuer) VerifyAccess(token string) (*Claims, error) {
	claims, err := i.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token.
func (i *JWTIssuer) VerifyRefresh(token string) (*Claims, error) {
	claims, err := i.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.FamilyID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *JWTIssuer) registered(subject, jti string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        jti,
	}
}

func (i *JWTIssuer) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (i *JWTIssuer) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *JWTIssuer) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.ActorID) == "" || claims.ActorID != claims.Subject {
		return errors.New("subject missing")
	}
	if !claims.Type.Valid() {
		return fmt.Errorf("unexpected role %q", claims.Type)
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	now := i.now()
	// Allow a small clock skew when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(allowedSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// HashToken returns the hex sha256 of a token string, as stored in RefreshToken.TokenHash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
