package menu

import (
	"slices"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/view"
)

// Indexes are lookup tables over one catalog state. They implement
// cart.Catalog. Indexes are immutable once built.
type Indexes struct {
	Categories          []codec.Category
	Items               []codec.Item
	ItemsByCategory     view.Groups[ir.RecordID, codec.Item]
	CustomizationKeys   []codec.CustomizationKey
	CustomizationValues []codec.CustomizationValue
	ValuesByKey         view.Groups[ir.RecordID, codec.CustomizationValue]

	categoryByID map[ir.RecordID]codec.Category
	itemByID     map[ir.RecordID]codec.Item
	keyByID      map[ir.RecordID]codec.CustomizationKey
	valueByID    map[ir.RecordID]codec.CustomizationValue

	versions [4]uint64
}

// NewIndexes builds indexes over already sorted catalog slices.
func NewIndexes(categories []codec.Category, items []codec.Item, keys []codec.CustomizationKey, values []codec.CustomizationValue) *Indexes {
	idx := &Indexes{
		Categories:          categories,
		Items:               items,
		ItemsByCategory:     view.Group(items, func(i codec.Item) ir.RecordID { return i.Category }),
		CustomizationKeys:   keys,
		CustomizationValues: values,
		ValuesByKey:         view.Group(values, func(v codec.CustomizationValue) ir.RecordID { return v.BelongsTo }),
		categoryByID:        make(map[ir.RecordID]codec.Category, len(categories)),
		itemByID:            make(map[ir.RecordID]codec.Item, len(items)),
		keyByID:             make(map[ir.RecordID]codec.CustomizationKey, len(keys)),
		valueByID:           make(map[ir.RecordID]codec.CustomizationValue, len(values)),
	}
	for _, c := range categories {
		idx.categoryByID[c.ID] = c
	}
	for _, i := range items {
		idx.itemByID[i.ID] = i
	}
	for _, k := range keys {
		idx.keyByID[k.ID] = k
	}
	for _, v := range values {
		idx.valueByID[v.ID] = v
	}
	return idx
}

// Item implements cart.Catalog.
func (idx *Indexes) Item(id ir.RecordID) (codec.Item, bool) {
	i, ok := idx.itemByID[id]
	return i, ok
}

// Category implements cart.Catalog.
func (idx *Indexes) Category(id ir.RecordID) (codec.Category, bool) {
	c, ok := idx.categoryByID[id]
	return c, ok
}

// Value implements cart.Catalog.
func (idx *Indexes) Value(id ir.RecordID) (codec.CustomizationValue, bool) {
	v, ok := idx.valueByID[id]
	return v, ok
}

// Key returns the customization key with id.
func (idx *Indexes) Key(id ir.RecordID) (codec.CustomizationKey, bool) {
	k, ok := idx.keyByID[id]
	return k, ok
}

// Keys implements cart.Catalog.
func (idx *Indexes) Keys() []codec.CustomizationKey {
	return idx.CustomizationKeys
}

// Customization is a key with its enabled values.
type Customization struct {
	Key    codec.CustomizationKey
	Values []codec.CustomizationValue
}

// Item is a menu item with the customizations valid for its category.
type Item struct {
	codec.Item
	Customizations []Customization
}

// Category is a menu category with its enabled items.
type Category struct {
	codec.Category
	Items []Item
}

// Tree builds the display tree: categories in sort order, each with its
// enabled items, each item with the enabled keys its category allows and
// their enabled values.
func (idx *Indexes) Tree() []Category {
	tree := make([]Category, 0, len(idx.Categories))
	for _, cat := range idx.Categories {
		customizations := idx.customizationsFor(cat)
		node := Category{Category: cat}
		for _, it := range idx.ItemsByCategory.Get(cat.ID) {
			if !view.Enabled(it) {
				continue
			}
			node.Items = append(node.Items, Item{Item: it, Customizations: customizations})
		}
		tree = append(tree, node)
	}
	return tree
}

func (idx *Indexes) customizationsFor(cat codec.Category) []Customization {
	var out []Customization
	for _, key := range idx.CustomizationKeys {
		if !key.Enable || !slices.Contains(cat.ValidCustomizations, key.ID) {
			continue
		}
		c := Customization{Key: key}
		for _, v := range idx.ValuesByKey.Get(key.ID) {
			if v.Enable {
				c.Values = append(c.Values, v)
			}
		}
		out = append(out, c)
	}
	return out
}
