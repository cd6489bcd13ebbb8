// Package catalog is the registry of notice categories.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"noticed/internal/notice"
	"noticed/internal/storage"
	logx "noticed/pkg/logx"
)

// Catalog resolves and maintains notice categories.
type Catalog struct {
	store storage.CategoryStore
	log   logx.Logger
}

func New(store storage.CategoryStore, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{store: store, log: log}
}

// Get returns the category for label or notice.ErrCategoryNotFound.
func (c *Catalog) Get(ctx context.Context, label string) (notice.Category, error) {
	cat, err := c.store.CategoryByLabel(ctx, strings.TrimSpace(label))
	if err != nil {
		if errors.Is(err, notice.ErrCategoryNotFound) {
			return notice.Category{}, fmt.Errorf("%w: %q", notice.ErrCategoryNotFound, label)
		}
		return notice.Category{}, err
	}
	return cat, nil
}

func (c *Catalog) List(ctx context.Context) ([]notice.Category, error) {
	return c.store.ListCategories(ctx)
}

// Create registers a category by label. New categories start Published; an
// existing category keeps its id and publish state, while display texts and the
// default sensitivity are refreshed when they differ. Apps call this on startup,
// so it must be idempotent.
func (c *Catalog) Create(ctx context.Context, in notice.Category) (created, updated bool, err error) {
	in.Label = strings.TrimSpace(in.Label)
	if in.Label == "" {
		return false, false, errors.New("category label is required")
	}

	cur, err := c.store.CategoryByLabel(ctx, in.Label)
	if errors.Is(err, notice.ErrCategoryNotFound) {
		in.ID = 0
		in.State = notice.StatePublished
		if _, err := c.store.InsertCategory(ctx, in); err != nil {
			return false, false, err
		}
		c.log.Debug("category created", logx.String("label", in.Label))
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	next := cur
	next.Display = in.Display
	next.PastTense = in.PastTense
	next.Description = in.Description
	next.Default = in.Default
	if next == cur {
		return false, false, nil
	}
	if err := c.store.UpdateCategory(ctx, next); err != nil {
		return false, false, err
	}
	c.log.Debug("category updated", logx.String("label", in.Label))
	return false, true, nil
}

// SetState moves a category through its publish lifecycle.
func (c *Catalog) SetState(ctx context.Context, label string, state notice.State) error {
	cat, err := c.Get(ctx, label)
	if err != nil {
		return err
	}
	if cat.State == state {
		return nil
	}
	cat.State = state
	return c.store.UpdateCategory(ctx, cat)
}
