// Package view derives read-only projections from collection snapshots.
//
// Projections hold no state of their own beyond a memo of the last result:
// they are recomputed when the source version changes and never modify the
// source items. They are safe for concurrent use.
package view

import (
	"sync/atomic"

	"github.com/Kaffe-diem/kaffediem/internal/collection"
)

// Source publishes versioned snapshots. *collection.Store and
// *collection.Typed satisfy it.
type Source[T any] interface {
	Snapshot() collection.Snapshot[T]
}

// Groups is the result of a GroupBy. Keys lists every key in order of first
// appearance in the source.
type Groups[K comparable, T any] struct {
	Keys    []K
	ByKey   map[K][]T
	Version uint64
	Stale   bool
}

// Get returns the items under k, or nil.
func (g Groups[K, T]) Get(k K) []T {
	return g.ByKey[k]
}

// GroupBy partitions a source by a key function.
type GroupBy[K comparable, T any] struct {
	src  Source[T]
	key  func(T) K
	memo atomic.Pointer[Groups[K, T]]
}

// NewGroupBy returns a grouping of src by key.
func NewGroupBy[K comparable, T any](src Source[T], key func(T) K) *GroupBy[K, T] {
	return &GroupBy[K, T]{src: src, key: key}
}

// Get returns the groups of the current source version.
func (g *GroupBy[K, T]) Get() Groups[K, T] {
	snap := g.src.Snapshot()
	if m := g.memo.Load(); m != nil && m.Version == snap.Version {
		return *m
	}
	out := Group(snap.Items, g.key)
	out.Version = snap.Version
	out.Stale = snap.Stale
	g.memo.Store(&out)
	return out
}

// Group partitions items by key, keeping source order within each group.
func Group[K comparable, T any](items []T, key func(T) K) Groups[K, T] {
	out := Groups[K, T]{ByKey: make(map[K][]T)}
	for _, it := range items {
		k := key(it)
		if _, seen := out.ByKey[k]; !seen {
			out.Keys = append(out.Keys, k)
		}
		out.ByKey[k] = append(out.ByKey[k], it)
	}
	return out
}

// Filter is the ordered subset of a source matching a predicate. The
// predicate must be a pure function of the item.
type Filter[T any] struct {
	src  Source[T]
	pred func(T) bool
	memo atomic.Pointer[collection.Snapshot[T]]
}

// NewFilter returns the items of src matching pred.
func NewFilter[T any](src Source[T], pred func(T) bool) *Filter[T] {
	return &Filter[T]{src: src, pred: pred}
}

// Snapshot returns the matching items of the current source version. It
// carries the source version and staleness, so a Filter is itself a Source.
func (f *Filter[T]) Snapshot() collection.Snapshot[T] {
	snap := f.src.Snapshot()
	if m := f.memo.Load(); m != nil && m.Version == snap.Version {
		return *m
	}
	items := make([]T, 0, len(snap.Items))
	for _, it := range snap.Items {
		if f.pred(it) {
			items = append(items, it)
		}
	}
	out := collection.Snapshot[T]{Items: items, Version: snap.Version, Stale: snap.Stale}
	f.memo.Store(&out)
	return out
}

// Single exposes the first item of a source, or a fallback when the source
// is empty. Used for singleton collections.
type Single[T any] struct {
	src      Source[T]
	fallback T
}

// NewSingle returns the first item of src or fallback.
func NewSingle[T any](src Source[T], fallback T) *Single[T] {
	return &Single[T]{src: src, fallback: fallback}
}

// Get returns the current value.
func (s *Single[T]) Get() T {
	snap := s.src.Snapshot()
	if len(snap.Items) == 0 {
		return s.fallback
	}
	return snap.Items[0]
}

// All reports whether pred holds for every predicate in preds.
func All[T any](preds ...func(T) bool) func(T) bool {
	return func(it T) bool {
		for _, p := range preds {
			if !p(it) {
				return false
			}
		}
		return true
	}
}
