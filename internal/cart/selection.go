package cart

import (
	"slices"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Selection maps customization keys to their selected values. Keys keep
// the order in which they were first set.
type Selection struct {
	order  []ir.RecordID
	values map[ir.RecordID][]codec.CustomizationValue
}

// NewSelection returns an empty selection.
func NewSelection() *Selection {
	return &Selection{values: make(map[ir.RecordID][]codec.CustomizationValue)}
}

// SelectionFrom groups values by the key they belong to. Values without a
// key are dropped.
func SelectionFrom(values []codec.CustomizationValue) *Selection {
	s := NewSelection()
	for _, v := range values {
		if v.BelongsTo == "" {
			continue
		}
		s.Set(v.BelongsTo, append(s.Get(v.BelongsTo), v))
	}
	return s
}

// Get returns the values selected for key.
func (s *Selection) Get(key ir.RecordID) []codec.CustomizationValue {
	return s.values[key]
}

// Set replaces the values of key. A nil or empty slice clears it.
func (s *Selection) Set(key ir.RecordID, values []codec.CustomizationValue) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = slices.Clone(values)
}

// Toggle applies single or multiple choice semantics for value under key.
func (s *Selection) Toggle(key ir.RecordID, value codec.CustomizationValue, multiple bool) {
	current := s.Get(key)
	selected := slices.ContainsFunc(current, func(v codec.CustomizationValue) bool { return v.ID == value.ID })

	switch {
	case multiple && selected:
		s.Set(key, slices.DeleteFunc(slices.Clone(current), func(v codec.CustomizationValue) bool { return v.ID == value.ID }))
	case multiple:
		s.Set(key, append(slices.Clone(current), value))
	case selected:
		s.Set(key, nil)
	default:
		s.Set(key, []codec.CustomizationValue{value})
	}
}

// Keys returns keys with at least one selected value, in first-set order.
func (s *Selection) Keys() []ir.RecordID {
	var out []ir.RecordID
	for _, k := range s.order {
		if len(s.values[k]) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Flat returns every selected value, grouped by key in first-set order.
func (s *Selection) Flat() []codec.CustomizationValue {
	var out []codec.CustomizationValue
	for _, k := range s.order {
		out = append(out, s.values[k]...)
	}
	return out
}

// Clone returns an independent copy.
func (s *Selection) Clone() *Selection {
	c := &Selection{
		order:  slices.Clone(s.order),
		values: make(map[ir.RecordID][]codec.CustomizationValue, len(s.values)),
	}
	for k, v := range s.values {
		c.values[k] = slices.Clone(v)
	}
	return c
}
