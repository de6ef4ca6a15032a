// Package menu keeps the catalog collections in sync and derives the menu
// tree and lookup indexes from them.
package menu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
)

// Menu holds the five catalog stores. Each typed store supports Create,
// Update and Delete except ItemCustomizations, which is read-only.
type Menu struct {
	Categories          *collection.Typed[codec.Category]
	Items               *collection.Typed[codec.Item]
	CustomizationKeys   *collection.Typed[codec.CustomizationKey]
	CustomizationValues *collection.Typed[codec.CustomizationValue]
	ItemCustomizations  *collection.Typed[codec.ItemCustomization]

	handles []*collection.Handle

	mu   sync.Mutex
	memo *Indexes
}

var bySortOrder = collection.ByIntField("sort_order")

// Open acquires the catalog stores from pool. Sync failures of individual
// collections are joined into the returned error; the Menu is returned
// regardless and serves whatever each store holds.
func Open(ctx context.Context, pool *collection.Pool) (*Menu, error) {
	m := &Menu{}
	var errs []error

	acquire := func(collectionName string, sort collection.Sort) *collection.Store {
		h, err := pool.Acquire(ctx, collectionName, nil, sort)
		if err != nil {
			errs = append(errs, err)
		}
		if h == nil {
			return nil
		}
		m.handles = append(m.handles, h)
		return h.Store()
	}

	stores := map[string]*collection.Store{
		codec.CollectionCategory:           acquire(codec.CollectionCategory, bySortOrder),
		codec.CollectionItem:               acquire(codec.CollectionItem, bySortOrder),
		codec.CollectionCustomizationKey:   acquire(codec.CollectionCustomizationKey, bySortOrder),
		codec.CollectionCustomizationValue: acquire(codec.CollectionCustomizationValue, bySortOrder),
		codec.CollectionItemCustomization:  acquire(codec.CollectionItemCustomization, collection.InsertionOrder),
	}
	for name, s := range stores {
		if s == nil {
			_ = m.Close()
			return nil, fmt.Errorf("open menu %s: %w", name, errors.Join(errs...))
		}
	}

	m.Categories = collection.NewTyped(stores[codec.CollectionCategory], codec.Categories)
	m.Items = collection.NewTyped(stores[codec.CollectionItem], codec.Items)
	m.CustomizationKeys = collection.NewTyped(stores[codec.CollectionCustomizationKey], codec.CustomizationKeys)
	m.CustomizationValues = collection.NewTyped(stores[codec.CollectionCustomizationValue], codec.CustomizationValues)
	m.ItemCustomizations = collection.NewTyped(stores[codec.CollectionItemCustomization], codec.ItemCustomizations)
	return m, errors.Join(errs...)
}

// Close releases the catalog stores.
func (m *Menu) Close() error {
	var errs []error
	for _, h := range m.handles {
		errs = append(errs, h.Close())
	}
	m.handles = nil
	return errors.Join(errs...)
}

// Stale reports whether any catalog store is not receiving live events.
func (m *Menu) Stale() bool {
	return m.Categories.Snapshot().Stale ||
		m.Items.Snapshot().Stale ||
		m.CustomizationKeys.Snapshot().Stale ||
		m.CustomizationValues.Snapshot().Stale
}

// Indexes returns lookup indexes over the current catalog. They are rebuilt
// only when one of the underlying stores changed.
func (m *Menu) Indexes() *Indexes {
	cats := m.Categories.Snapshot()
	items := m.Items.Snapshot()
	keys := m.CustomizationKeys.Snapshot()
	values := m.CustomizationValues.Snapshot()
	versions := [4]uint64{cats.Version, items.Version, keys.Version, values.Version}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memo != nil && m.memo.versions == versions {
		return m.memo
	}
	m.memo = NewIndexes(cats.Items, items.Items, keys.Items, values.Items)
	m.memo.versions = versions
	return m.memo
}

// Tree returns the menu tree of the current catalog.
func (m *Menu) Tree() []Category {
	return m.Indexes().Tree()
}
