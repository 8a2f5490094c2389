package auth

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	tokenKey
)

// ContextWithActor attaches the authenticated actor.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor attached by ContextWithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok && actor.ID != ""
}

// ContextWithToken keeps the raw bearer token for the resolver. An empty
// token leaves ctx unchanged.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey, token)
}

func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	token, _ := ctx.Value(tokenKey).(string)
	return token, token != ""
}
