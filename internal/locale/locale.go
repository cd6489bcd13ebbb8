// Package locale resolves recipient locales and scopes the ambient locale
// used while a dispatch renders templates.
package locale

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"noticed/internal/notice"
	"noticed/internal/storage"
)

// ID is a language tag such as "en" or "pt-br".
type ID string

var ErrLocaleUnavailable = errors.New("locale unavailable")

// Resolver returns the locale a user prefers.
// ErrLocaleUnavailable means "use the default", never a failure.
type Resolver interface {
	Resolve(ctx context.Context, user notice.User) (ID, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, user notice.User) (ID, error)

func (f ResolverFunc) Resolve(ctx context.Context, user notice.User) (ID, error) { return f(ctx, user) }

// StoreResolver reads the per-user language column from the record store.
type StoreResolver struct {
	users storage.UserStore
}

func NewStoreResolver(users storage.UserStore) *StoreResolver {
	return &StoreResolver{users: users}
}

func (r *StoreResolver) Resolve(ctx context.Context, user notice.User) (ID, error) {
	lang, ok, err := r.users.Language(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLocaleUnavailable, err)
	}
	if !ok {
		return "", ErrLocaleUnavailable
	}
	return Normalize(lang), nil
}

// Normalize lowercases a tag and uses "-" as the separator.
func Normalize(s string) ID {
	s = strings.TrimSpace(strings.ToLower(s))
	return ID(strings.ReplaceAll(s, "_", "-"))
}

type ctxKey struct{}

// WithLocale returns a child context carrying id.
func WithLocale(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the locale set by WithLocale.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok && id != ""
}
