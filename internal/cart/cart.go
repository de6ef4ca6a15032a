package cart

import (
	"slices"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Catalog is the read-only menu the cart prices against.
type Catalog interface {
	Item(id ir.RecordID) (codec.Item, bool)
	Category(id ir.RecordID) (codec.Category, bool)
	Value(id ir.RecordID) (codec.CustomizationValue, bool)
	// Keys returns every customization key in display order.
	Keys() []codec.CustomizationKey
}

// Line is one item in the cart.
type Line struct {
	Item           codec.Item
	Customizations []codec.CustomizationValue
	BasePrice      codec.Money
	TotalPrice     codec.Money
}

func buildLine(item codec.Item, values []codec.CustomizationValue) Line {
	return Line{
		Item:           item,
		Customizations: values,
		BasePrice:      item.Price,
		TotalPrice:     Price(item.Price, values),
	}
}

// Cart is the cart state machine. It is Idle or Editing(i), where i is the
// index of the line being edited. While editing, selection changes update
// and reprice line i immediately.
//
// A Cart is not safe for concurrent use; it belongs to one terminal.
type Cart struct {
	catalog  Catalog
	lines    []Line
	selected *Selection
	item     ir.RecordID
	editing  int
}

// New returns an idle, empty cart with default selections applied.
func New(catalog Catalog) *Cart {
	c := &Cart{catalog: catalog, selected: NewSelection(), editing: -1}
	c.InitializeCustomizations()
	return c
}

// Lines returns a copy of the cart lines.
func (c *Cart) Lines() []Line {
	return slices.Clone(c.lines)
}

// Total is the sum of line totals.
func (c *Cart) Total() codec.Money {
	var total codec.Money
	for _, l := range c.lines {
		total += l.TotalPrice
	}
	return total
}

// Editing returns the edited line index, or false when idle.
func (c *Cart) Editing() (int, bool) {
	return c.editing, c.editing >= 0
}

// Selection returns a copy of the current selection.
func (c *Cart) Selection() *Selection {
	return c.selected.Clone()
}

// SelectedItem returns the selected item id, or "".
func (c *Cart) SelectedItem() ir.RecordID {
	return c.item
}

func (c *Cart) selectedCategory() (codec.Category, bool) {
	if c.item == "" {
		return codec.Category{}, false
	}
	item, ok := c.catalog.Item(c.item)
	if !ok {
		return codec.Category{}, false
	}
	return c.catalog.Category(item.Category)
}

// SelectItem changes the selected item and applies defaults. While editing,
// line i is rebuilt for the new item. Unknown ids are ignored.
func (c *Cart) SelectItem(id ir.RecordID) bool {
	item, ok := c.catalog.Item(id)
	if !ok {
		return false
	}
	c.item = id
	c.ApplyDefaults()
	if c.editing >= 0 {
		c.lines = slices.Clone(c.lines)
		c.lines[c.editing] = buildLine(item, c.selected.Flat())
	}
	return true
}

// AddToCart appends item priced with the current selection, then resets
// the selection to catalog defaults.
func (c *Cart) AddToCart(item codec.Item) Line {
	line := buildLine(item, c.selected.Flat())
	c.lines = append(slices.Clone(c.lines), line)
	c.InitializeCustomizations()
	return line
}

// ToggleCustomization toggles value under key. For single choice keys the
// selection becomes [value], or [] when value was the sole selection. For
// multiple choice keys value is added or removed. Values that belong to a
// different key, and keys missing from the catalog, are ignored.
func (c *Cart) ToggleCustomization(key codec.CustomizationKey, value codec.CustomizationValue) bool {
	if value.BelongsTo != "" && value.BelongsTo != key.ID {
		return false
	}
	if !slices.ContainsFunc(c.catalog.Keys(), func(k codec.CustomizationKey) bool { return k.ID == key.ID }) {
		return false
	}
	c.selected.Toggle(key.ID, value, key.MultipleChoice)
	c.repriceEditing()
	return true
}

func (c *Cart) repriceEditing() {
	if c.editing < 0 {
		return
	}
	c.lines = slices.Clone(c.lines)
	line := c.lines[c.editing]
	line.Customizations = c.selected.Flat()
	line.TotalPrice = Price(line.BasePrice, line.Customizations)
	c.lines[c.editing] = line
}

// StartEditing enters Editing(i) and loads line i's customizations into the
// selection. Out of range indexes are ignored.
func (c *Cart) StartEditing(i int) bool {
	if i < 0 || i >= len(c.lines) {
		return false
	}
	line := c.lines[i]
	c.editing = i
	c.selected = SelectionFrom(line.Customizations)
	c.item = line.Item.ID
	return true
}

// StopEditing returns to Idle and resets the selection.
func (c *Cart) StopEditing() {
	c.editing = -1
	c.InitializeCustomizations()
}

// DeleteEditingItem removes the edited line and returns to Idle. No-op
// when idle.
func (c *Cart) DeleteEditingItem() {
	if c.editing < 0 {
		return
	}
	c.RemoveFromCart(c.editing)
}

// RemoveFromCart removes line i. Removing the edited line returns to Idle;
// removing a line before it keeps editing the same line.
func (c *Cart) RemoveFromCart(i int) {
	if i < 0 || i >= len(c.lines) {
		return
	}
	c.lines = slices.Delete(slices.Clone(c.lines), i, i+1)
	switch {
	case c.editing == i:
		c.StopEditing()
	case c.editing > i:
		c.editing--
	}
}

// ClearCart empties the cart and returns to Idle.
func (c *Cart) ClearCart() {
	c.lines = nil
	c.editing = -1
	c.InitializeCustomizations()
}

// InitializeCustomizations clears the selection and applies defaults.
func (c *Cart) InitializeCustomizations() {
	c.selected = NewSelection()
	c.ApplyDefaults()
}

// ApplyDefaults selects each key's default value when nothing is selected
// for the key and the default is enabled, then clears keys that are not
// valid for the selected item's category. Keys unknown to the catalog are
// left alone.
func (c *Cart) ApplyDefaults() {
	keys := c.catalog.Keys()
	for _, key := range keys {
		if key.DefaultValue == "" || len(c.selected.Get(key.ID)) > 0 {
			continue
		}
		def, ok := c.catalog.Value(key.DefaultValue)
		if ok && def.Enable {
			c.selected.Set(key.ID, []codec.CustomizationValue{def})
		}
	}
	c.validate(keys)
}

func (c *Cart) validate(keys []codec.CustomizationKey) {
	cat, _ := c.selectedCategory()
	for _, key := range keys {
		if !slices.Contains(cat.ValidCustomizations, key.ID) {
			c.selected.Set(key.ID, nil)
		}
	}
}

// Draft converts the cart into order lines ready for submission.
func (c *Cart) Draft() []DraftLine {
	out := make([]DraftLine, len(c.lines))
	for i, l := range c.lines {
		out[i] = DraftLine{Item: l.Item.ID}
		for _, v := range l.Customizations {
			if v.BelongsTo == "" {
				continue
			}
			out[i].Customizations = append(out[i].Customizations, DraftCustomization{
				Key:    v.BelongsTo,
				Values: []ir.RecordID{v.ID},
			})
		}
	}
	return out
}

// DraftLine is an order line as submitted to the server.
type DraftLine struct {
	Item           ir.RecordID
	Customizations []DraftCustomization
}

// DraftCustomization is one (key, values) pair of a DraftLine.
type DraftCustomization struct {
	Key    ir.RecordID
	Values []ir.RecordID
}
