package auth

import "context"

// Actor is the resolved identity behind a request.
type Actor struct {
	Kind     SessionKind
	OrgID    string
	UserID   string
	DeviceID string
	// GrantID names the invite, device grant, or recovery key being
	// redeemed for the redemption session kinds.
	GrantID string
}

// FromClaims builds an actor from validated token claims.
func FromClaims(claims *Claims) Actor {
	return Actor{
		Kind:     claims.Kind,
		OrgID:    claims.OrgID,
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
		GrantID:  claims.GrantID,
	}
}

type actorContextKey struct{}
type tokenContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
