package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireBearer rejects requests without a bearer token and stores the token
// in the context. Verification happens in the resolver, per request.
func (a *API) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tenantgate"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(r.Context(), token)))
	})
}

// authorize asks the resolver whether the caller may perform action on
// target. On denial the response is written and ok is false. The returned
// context carries the actor for downstream audit entries.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, action authz.Action, target authz.Target) (context.Context, authz.Decision, bool) {
	token, _ := auth.TokenFromContext(r.Context())
	dec, err := a.resolver.Authorize(r.Context(), authz.Request{Token: token, Action: action, Target: target})
	if err != nil {
		a.fail(w, r, err)
		return nil, authz.Decision{}, false
	}
	return withActor(r.Context(), dec.Actor), dec, true
}

// authenticate resolves the caller without a resource check.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, auth.Actor, bool) {
	token, _ := auth.TokenFromContext(r.Context())
	actor, err := a.resolver.Authenticate(r.Context(), token)
	if err != nil {
		a.fail(w, r, err)
		return nil, auth.Actor{}, false
	}
	return withActor(r.Context(), actor), actor, true
}

func withActor(ctx context.Context, actor auth.Actor) context.Context {
	ctx = auth.ContextWithActor(ctx, actor)
	return audit.WithActorID(ctx, actor.ID)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
