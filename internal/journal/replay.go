package journal

import (
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Mismatch is a replayed input whose outcome differs from the recorded one.
type Mismatch struct {
	Seq      int64
	ID       ir.RecordID
	Recorded collection.Outcome
	Replayed collection.Outcome
}

// ReplayResult is the state rebuilt from one collection's entries.
type ReplayResult struct {
	Collection string
	Snapshot   collection.Snapshot[ir.Record]
	// Steps counts the entries fed to the reducer.
	Steps      int
	Mismatches []Mismatch
}

// Deterministic reports whether every replayed outcome matched.
func (r ReplayResult) Deterministic() bool {
	return len(r.Mismatches) == 0
}

// Replay rebuilds a collection's cache from its entries. Entries must
// belong to one collection and be ordered by seq. Buffered, dropped and
// discarded inputs are skipped; a buffered input is recorded again when
// it is applied.
func Replay(entries []Entry, coll string, sort collection.Sort, dec *codec.Decoder) (ReplayResult, error) {
	if dec == nil {
		dec = codec.NewDecoder(nil)
	}
	r, err := collection.NewReducer(coll, sort)
	if err != nil {
		return ReplayResult{}, err
	}
	res := ReplayResult{Collection: coll}

	for _, e := range entries {
		if e.Collection != coll {
			return ReplayResult{}, fmt.Errorf("replay %s: entry %d belongs to %s", coll, e.Seq, e.Collection)
		}
		switch e.Outcome {
		case collection.OutcomeBuffered, collection.OutcomeDropped, collection.OutcomeDiscarded:
			continue
		}

		if e.Source == collection.SourceSnapshot {
			recs := make([]ir.Record, 0, len(e.Records))
			for _, raw := range e.Records {
				rec, _, err := dec.Decode(coll, raw)
				if err != nil {
					return ReplayResult{}, fmt.Errorf("replay %s: snapshot %d: %w", coll, e.Seq, err)
				}
				recs = append(recs, rec)
			}
			r.Reset(recs)
			res.Steps++
			continue
		}

		action, err := ir.ParseAction(e.Action)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("replay %s: entry %d: %w", coll, e.Seq, err)
		}
		rec := ir.Record{ID: e.ID, Collection: coll}
		if action != ir.ActionDelete {
			rec, _, err = dec.Decode(coll, e.Record)
			if err != nil {
				return ReplayResult{}, fmt.Errorf("replay %s: entry %d: %w", coll, e.Seq, err)
			}
		}

		got := r.Apply(action, rec)
		res.Steps++
		if got != e.Outcome {
			res.Mismatches = append(res.Mismatches, Mismatch{Seq: e.Seq, ID: e.ID, Recorded: e.Outcome, Replayed: got})
		}
	}

	res.Snapshot = r.Snapshot()
	return res, nil
}
