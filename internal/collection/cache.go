package collection

import (
	"slices"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Outcome is what applying one input did to a cache.
type Outcome string

const (
	// OutcomeApplied changed the cache.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate matched the cached version exactly (for example the
	// change event echoing a response that was already applied).
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale carried an older version than the cached one.
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored was a delete of an absent id, or an upsert of an id
	// that was already deleted.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeBuffered arrived before the snapshot and waits for replay.
	OutcomeBuffered Outcome = "buffered"
	// OutcomeDropped could not be decoded.
	OutcomeDropped Outcome = "dropped"
	// OutcomeDiscarded arrived after the store was closed or after a
	// failed snapshot.
	OutcomeDiscarded Outcome = "discarded"
)

// cache is the reducer state of one collection. It is owned by the loop
// goroutine. items is copy-on-write: every change builds a new slice, so a
// published snapshot is never modified.
type cache struct {
	sort       Sort
	items      []entry
	byID       map[ir.RecordID]entry
	tombstones map[ir.RecordID]struct{}
	seq        uint64
}

func newCache(sort Sort) *cache {
	return &cache{
		sort:       sort,
		byID:       make(map[ir.RecordID]entry),
		tombstones: make(map[ir.RecordID]struct{}),
	}
}

func (c *cache) newEntry(rec ir.Record) entry {
	fp, err := ir.Fingerprint(rec)
	if err != nil {
		fp = ""
	}
	version := rec.Updated
	if version == "" {
		version = fp
	}
	return entry{rec: rec, version: version, fp: fp}
}

// reset replaces the contents with a snapshot. Repeated ids keep the first
// position and the last value.
func (c *cache) reset(recs []ir.Record) {
	c.items = nil
	c.byID = make(map[ir.RecordID]entry, len(recs))
	for _, rec := range recs {
		if _, gone := c.tombstones[rec.ID]; gone {
			continue
		}
		e := c.newEntry(rec)
		if old, ok := c.byID[rec.ID]; ok {
			e.seq = old.seq
		} else {
			c.seq++
			e.seq = c.seq
		}
		c.byID[rec.ID] = e
	}
	items := make([]entry, 0, len(c.byID))
	for _, e := range c.byID {
		items = append(items, e)
	}
	slices.SortFunc(items, c.sort.compare)
	c.items = items
}

// upsert inserts or replaces a record by id.
func (c *cache) upsert(rec ir.Record) Outcome {
	if _, gone := c.tombstones[rec.ID]; gone {
		return OutcomeIgnored
	}

	next := c.newEntry(rec)
	old, exists := c.byID[rec.ID]
	if !exists {
		c.seq++
		next.seq = c.seq
		c.items = c.insert(c.items, next)
		c.byID[rec.ID] = next
		return OutcomeApplied
	}

	if outcome, skip := compareVersions(old, next); skip {
		return outcome
	}

	next.seq = old.seq
	c.items = c.insert(c.without(old), next)
	c.byID[rec.ID] = next
	return OutcomeApplied
}

// compareVersions decides whether next supersedes old. Server timestamps
// are compared when both records carry one; otherwise content fingerprints.
func compareVersions(old, next entry) (Outcome, bool) {
	if old.rec.Updated != "" && next.rec.Updated != "" {
		switch {
		case next.rec.Updated == old.rec.Updated:
			return OutcomeDuplicate, true
		case next.rec.Updated < old.rec.Updated:
			return OutcomeStale, true
		}
		return "", false
	}
	if next.fp != "" && next.fp == old.fp {
		return OutcomeDuplicate, true
	}
	return "", false
}

// remove deletes id. Ids are never reused, so the id is remembered and
// later upserts for it are ignored.
func (c *cache) remove(id ir.RecordID) Outcome {
	c.tombstones[id] = struct{}{}
	old, ok := c.byID[id]
	if !ok {
		return OutcomeIgnored
	}
	c.items = c.without(old)
	delete(c.byID, id)
	return OutcomeApplied
}

// without returns a new slice lacking e.
func (c *cache) without(e entry) []entry {
	i, found := slices.BinarySearchFunc(c.items, e, c.sort.compare)
	if !found {
		i = slices.IndexFunc(c.items, func(x entry) bool { return x.rec.ID == e.rec.ID })
		if i < 0 {
			return slices.Clone(c.items)
		}
	}
	out := make([]entry, 0, len(c.items))
	out = append(out, c.items[:i]...)
	return append(out, c.items[i+1:]...)
}

// insert returns a new slice with e at its sorted position.
func (c *cache) insert(items []entry, e entry) []entry {
	i, _ := slices.BinarySearchFunc(items, e, c.sort.compare)
	out := make([]entry, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, e)
	return append(out, items[i:]...)
}

func (c *cache) records() []ir.Record {
	out := make([]ir.Record, len(c.items))
	for i, e := range c.items {
		out[i] = e.rec
	}
	return out
}

func (c *cache) get(id ir.RecordID) (ir.Record, bool) {
	e, ok := c.byID[id]
	return e.rec, ok
}
