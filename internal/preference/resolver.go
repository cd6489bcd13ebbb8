// Package preference resolves whether a user wants a category on a channel.
package preference

import (
	"context"

	"noticed/internal/notice"
	"noticed/internal/storage"
)

// Resolver looks up explicit preferences and falls back to the category's
// default sensitivity. It holds no state between calls.
type Resolver struct {
	store storage.PreferenceStore
}

func NewResolver(store storage.PreferenceStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the effective send flag for (user, category, medium, scope).
//
// Lookup order: the scoped row, then the unscoped row, then
// category.Default >= medium.Sensitivity.
func (r *Resolver) Resolve(ctx context.Context, user notice.User, cat notice.Category, m notice.Medium, scope notice.Scope) (bool, error) {
	p, ok, err := r.store.GetPreference(ctx, user.ID, cat.ID, m.ID, scope)
	if err != nil {
		return false, err
	}
	if ok {
		return p.Send, nil
	}
	if !scope.IsZero() {
		p, ok, err = r.store.GetPreference(ctx, user.ID, cat.ID, m.ID, notice.Scope{})
		if err != nil {
			return false, err
		}
		if ok {
			return p.Send, nil
		}
	}
	return m.DefaultSend(cat), nil
}

// Set stores an explicit preference, replacing any previous row for the key.
func (r *Resolver) Set(ctx context.Context, p notice.Preference) error {
	return r.store.PutPreference(ctx, p)
}

func (r *Resolver) ForUser(ctx context.Context, userID int64) ([]notice.Preference, error) {
	return r.store.PreferencesForUser(ctx, userID)
}
