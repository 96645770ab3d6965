package topology

import (
	"context"
	"time"
)

const (
	EventIntent = "intent"
	EventPush   = "push"
	EventLoad   = "load"
)

// Event is published after each committed intent and each push attempt.
type Event struct {
	Type      string    `json:"type"`
	Intent    Intent    `json:"intent,omitempty"`
	Target    string    `json:"target,omitempty"`
	Revision  uint64    `json:"revision"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

type actorKey struct{}

// WithActor tags ctx with the user performing an intent, for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
