package ir

import "slices"

// RecordID is a stable opaque identifier, unique within a collection.
// Assigned by the server on create and never reused.
type RecordID string

// Record is the collection-agnostic shape of a synchronized entity.
//
// Fields holds the scalar (non-relation) fields keyed by their wire name.
// Relations holds every field declared as a relation by the collection
// schema, either as bare ids or as expanded records.
type Record struct {
	ID         RecordID            `json:"id"`
	Collection string              `json:"collection,omitempty"`
	Fields     Object              `json:"fields"`
	Relations  map[string]Relation `json:"-"`

	// Created and Updated are server-owned timestamps. They are never
	// encoded back into mutation payloads. Updated doubles as the record
	// version for duplicate detection.
	Created string `json:"created,omitempty"`
	Updated string `json:"updated,omitempty"`
}

// Clone returns a deep copy so reducers never share mutable maps with
// a published snapshot.
func (r Record) Clone() Record {
	out := r
	out.Fields = r.Fields.Clone()
	if r.Relations != nil {
		out.Relations = make(map[string]Relation, len(r.Relations))
		for k, rel := range r.Relations {
			out.Relations[k] = cloneRelation(rel)
		}
	}
	return out
}

// Relation returns the relation stored under name, or nil.
func (r Record) Relation(name string) Relation {
	if r.Relations == nil {
		return nil
	}
	return r.Relations[name]
}

// Relation is a sealed sum type describing a relation field:
//
//   - Ref: a single bare id (not expanded)
//   - Refs: a list of bare ids (not expanded)
//   - Expanded: a single expanded record
//   - ExpandedList: a list of expanded records
//
// Callers must not assume expansion happened; use IDs() when only the
// identity is needed.
type Relation interface {
	relation()
	// IDs returns the referenced ids in wire order.
	IDs() []RecordID
}

// Ref is a single unexpanded relation.
type Ref RecordID

func (Ref) relation() {}

// IDs implements Relation.
func (r Ref) IDs() []RecordID {
	if r == "" {
		return nil
	}
	return []RecordID{RecordID(r)}
}

// Refs is a multi-valued unexpanded relation.
type Refs []RecordID

func (Refs) relation() {}

// IDs implements Relation.
func (r Refs) IDs() []RecordID {
	return slices.Clone([]RecordID(r))
}

// Expanded is a single relation resolved to its record.
type Expanded struct {
	Record Record
}

func (Expanded) relation() {}

// IDs implements Relation.
func (e Expanded) IDs() []RecordID {
	return []RecordID{e.Record.ID}
}

// ExpandedList is a multi-valued relation resolved to its records.
type ExpandedList []Record

func (ExpandedList) relation() {}

// IDs implements Relation.
func (e ExpandedList) IDs() []RecordID {
	ids := make([]RecordID, len(e))
	for i, r := range e {
		ids[i] = r.ID
	}
	return ids
}

// FirstID returns the first referenced id of rel, or "" when rel is nil
// or empty.
func FirstID(rel Relation) RecordID {
	if rel == nil {
		return ""
	}
	ids := rel.IDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func cloneRelation(rel Relation) Relation {
	switch r := rel.(type) {
	case Refs:
		return Refs(slices.Clone([]RecordID(r)))
	case Expanded:
		return Expanded{Record: r.Record.Clone()}
	case ExpandedList:
		out := make(ExpandedList, len(r))
		for i, rec := range r {
			out[i] = rec.Clone()
		}
		return out
	default:
		return rel
	}
}
