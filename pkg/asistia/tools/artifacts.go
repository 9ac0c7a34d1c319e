// Package tools – artifacts.go carries the per-turn artifact slot that lets
// file-producing tools hand a generated file to the conversation loop.
package tools

import (
	"context"
	"sync"
)

// Artifacts is a per-turn collector of generated file paths. Tools add
// paths while the turn runs; the conversation loop drains them once after
// the tool loop finishes and delivers them as documents. Draining empties
// the slot, so a file is never sent twice.
type Artifacts struct {
	mu    sync.Mutex
	paths []string
}

// Add records a generated file path.
func (a *Artifacts) Add(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
}

// Drain returns all recorded paths and empties the slot.
func (a *Artifacts) Drain() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	paths := a.paths
	a.paths = nil
	return paths
}

// ctxKeyArtifacts is the context key for the turn's artifact slot.
type ctxKeyArtifacts struct{}

// ContextWithArtifacts returns a context carrying the turn's artifact slot.
func ContextWithArtifacts(ctx context.Context, a *Artifacts) context.Context {
	return context.WithValue(ctx, ctxKeyArtifacts{}, a)
}

// ArtifactsFromContext extracts the artifact slot, or nil if not set.
func ArtifactsFromContext(ctx context.Context) *Artifacts {
	if v, ok := ctx.Value(ctxKeyArtifacts{}).(*Artifacts); ok {
		return v
	}
	return nil
}

// ctxKeyTurn is the context key for the current turn's identity.
type ctxKeyTurn struct{}

// Turn identifies whose behalf a tool call runs on.
type Turn struct {
	AssistantID string
	Channel     string
	ChatID      string
}

// ContextWithTurn returns a context carrying the turn identity.
func ContextWithTurn(ctx context.Context, t Turn) context.Context {
	return context.WithValue(ctx, ctxKeyTurn{}, t)
}

// TurnFromContext extracts the turn identity, zero-valued if not set.
func TurnFromContext(ctx context.Context) Turn {
	if v, ok := ctx.Value(ctxKeyTurn{}).(Turn); ok {
		return v
	}
	return Turn{}
}
