package auth

import "errors"

var (
	// ErrTokenConsumed is returned by RefreshTokenStore.ConsumeRefreshToken
	// when the token was revoked before this call could claim it.
	ErrTokenConsumed = errors.New("auth: refresh token already consumed")
	// ErrInvalidToken indicates the token failed signature, claim or expiry checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)
