// Package season resolves which season scopes a ledger operation.
//
// The season is either pinned explicitly on the context with WithSeason or
// looked up through an injected Resolver. No package-level "current season"
// exists.
package season

import (
	"context"
	"strings"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

// Resolver returns the identifier of the active season.
// It returns shared.ErrNoActiveSeason when no season is active.
type Resolver interface {
	ActiveSeasonID(ctx context.Context) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

// ActiveSeasonID implements Resolver.
func (f ResolverFunc) ActiveSeasonID(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always resolves to the same season. An empty Static resolves to none.
type Static string

// ActiveSeasonID implements Resolver.
func (s Static) ActiveSeasonID(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", shared.ErrNoActiveSeason
	}
	return string(s), nil
}

type ctxKey struct{}

// WithSeason pins seasonID for every operation run with the returned context.
func WithSeason(ctx context.Context, seasonID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, seasonID)
}

// FromContext returns the pinned season, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Resolve prefers the season pinned on ctx and falls back to r.
func Resolve(ctx context.Context, r Resolver) (string, error) {
	if id, ok := FromContext(ctx); ok {
		return id, nil
	}
	if r == nil {
		return "", shared.ErrNoActiveSeason
	}
	id, err := r.ActiveSeasonID(ctx)
	if err != nil {
		if shared.IsNotFound(err) {
			return "", shared.ErrNoActiveSeason
		}
		return "", shared.ErrNoActiveSeason.Wrap(err)
	}
	if id == "" {
		return "", shared.ErrNoActiveSeason
	}
	return id, nil
}

// Season is the minimal season record persisted by the stores.
type Season struct {
	ID       string
	Name     string
	IsActive bool
}
