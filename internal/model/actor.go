package model

import "context"

// Actor is the participant on whose behalf an operation runs.
type Actor struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the acting participant, or a "system" actor for
// background work.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{Role: "system", Name: "system"}
}
