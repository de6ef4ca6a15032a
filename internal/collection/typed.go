package collection

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Typed projects a Store's records into typed entities. The conversion is
// memoized per cache version.
type Typed[T any] struct {
	store *Store
	codec codec.Codec[T]
	memo  atomic.Pointer[Snapshot[T]]
}

// NewTyped binds a codec to a store.
func NewTyped[T any](s *Store, c codec.Codec[T]) *Typed[T] {
	return &Typed[T]{store: s, codec: c}
}

// Store returns the underlying record store.
func (t *Typed[T]) Store() *Store {
	return t.store
}

// Snapshot returns the typed items of the current cache version.
func (t *Typed[T]) Snapshot() Snapshot[T] {
	raw := t.store.Snapshot()
	if m := t.memo.Load(); m != nil && m.Version == raw.Version {
		return *m
	}
	snap := t.convert(raw)
	t.memo.Store(&snap)
	return snap
}

func (t *Typed[T]) convert(raw Snapshot[ir.Record]) Snapshot[T] {
	items := make([]T, len(raw.Items))
	for i, r := range raw.Items {
		items[i] = t.codec.FromRecord(r)
	}
	return Snapshot[T]{Items: items, Version: raw.Version, Stale: raw.Stale}
}

// Subscribe registers fn for typed snapshots. fn runs on the loop.
func (t *Typed[T]) Subscribe(fn func(Snapshot[T])) func() {
	return t.store.Subscribe(func(raw Snapshot[ir.Record]) {
		if m := t.memo.Load(); m != nil && m.Version == raw.Version {
			fn(*m)
			return
		}
		snap := t.convert(raw)
		t.memo.Store(&snap)
		fn(snap)
	})
}

// Find returns the first item matching pred in the current snapshot.
func (t *Typed[T]) Find(pred func(T) bool) (T, bool) {
	for _, it := range t.Snapshot().Items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

func (t *Typed[T]) encode(op string, v T) (codec.Payload, error) {
	if t.codec.Encode == nil {
		return codec.Payload{}, &Error{Kind: KindRequestFailed, Collection: t.store.collection, Op: op, Err: fmt.Errorf("%s is read-only", t.codec.Collection)}
	}
	return t.codec.Encode(v), nil
}

// Create encodes v and creates it. The returned entity is decoded from the
// server response.
func (t *Typed[T]) Create(ctx context.Context, v T) (T, error) {
	var zero T
	p, err := t.encode("create", v)
	if err != nil {
		return zero, err
	}
	rec, err := t.store.Create(ctx, p)
	if err != nil {
		return zero, err
	}
	return t.codec.FromRecord(rec), nil
}

// Update encodes v and sends it as a full update of id.
func (t *Typed[T]) Update(ctx context.Context, id ir.RecordID, v T) (T, error) {
	var zero T
	p, err := t.encode("update", v)
	if err != nil {
		return zero, err
	}
	rec, err := t.store.Update(ctx, id, p)
	if err != nil {
		return zero, err
	}
	return t.codec.FromRecord(rec), nil
}

// Delete removes id.
func (t *Typed[T]) Delete(ctx context.Context, id ir.RecordID) error {
	return t.store.Delete(ctx, id)
}
