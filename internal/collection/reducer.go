package collection

import (
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Reducer applies recorded inputs to a detached cache with the same rules
// a Store uses. It has no transport and no loop; callers own it.
type Reducer struct {
	collection string
	cache      *cache
	version    uint64
}

// NewReducer returns an empty reducer ordered by sort.
func NewReducer(collection string, sort Sort) (*Reducer, error) {
	if sort.IsZero() {
		return nil, fmt.Errorf("collection %s: sort criterion required", collection)
	}
	return &Reducer{collection: collection, cache: newCache(sort)}, nil
}

// Reset replaces the contents with a snapshot. Tombstones survive a reset.
func (r *Reducer) Reset(recs []ir.Record) {
	r.cache.reset(recs)
	r.version++
}

// Apply reduces one change and returns its outcome.
func (r *Reducer) Apply(action ir.Action, rec ir.Record) Outcome {
	var outcome Outcome
	if action == ir.ActionDelete {
		outcome = r.cache.remove(rec.ID)
	} else {
		outcome = r.cache.upsert(rec)
	}
	if outcome == OutcomeApplied {
		r.version++
	}
	return outcome
}

// Snapshot returns the current contents. Stale is always false.
func (r *Reducer) Snapshot() Snapshot[ir.Record] {
	return Snapshot[ir.Record]{Items: r.cache.records(), Version: r.version}
}

// Collection returns the collection name.
func (r *Reducer) Collection() string {
	return r.collection
}
