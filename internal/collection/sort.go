package collection

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Sort is the ordering criterion of a cache. There is no implicit default:
// every Store is opened with an explicit Sort.
type Sort struct {
	name string
	cmp  func(a, b ir.Record) int
}

// Name identifies the criterion; caches are only shared between opens with
// the same name.
func (s Sort) Name() string {
	return s.name
}

// IsZero reports whether no criterion was chosen.
func (s Sort) IsZero() bool {
	return s.name == ""
}

// InsertionOrder keeps records in the order they first became visible:
// snapshot order, then arrival order of creates.
var InsertionOrder = Sort{name: "insertion"}

// By orders records with a comparator. Ties break by id ascending.
func By(name string, cmp func(a, b ir.Record) int) Sort {
	return Sort{name: name, cmp: cmp}
}

// ByIntField orders by an integer field ascending; absent values sort as 0.
func ByIntField(field string) Sort {
	return By("int:"+field, func(a, b ir.Record) int {
		x, _ := a.Fields.Int(field)
		y, _ := b.Fields.Int(field)
		return cmp.Compare(x, y)
	})
}

// ByCreated orders by server creation timestamp ascending.
func ByCreated() Sort {
	return By("created", func(a, b ir.Record) int {
		return strings.Compare(a.Created, b.Created)
	})
}

// ParseSort returns the criterion a Name denotes: "insertion", "created"
// or "int:<field>".
func ParseSort(name string) (Sort, error) {
	switch {
	case name == InsertionOrder.name:
		return InsertionOrder, nil
	case name == "created":
		return ByCreated(), nil
	case strings.HasPrefix(name, "int:") && len(name) > len("int:"):
		return ByIntField(strings.TrimPrefix(name, "int:")), nil
	}
	return Sort{}, fmt.Errorf("unknown sort %q", name)
}

// entry is a cached record with its position key.
type entry struct {
	rec ir.Record
	// seq is the insertion sequence, used by InsertionOrder and kept stable
	// across updates.
	seq uint64
	// version is the record's updated timestamp, or its fingerprint when the
	// server sends none.
	version string
	fp      string
}

// compare is a total order over entries: the criterion first, then id.
func (s Sort) compare(a, b entry) int {
	if s.cmp == nil {
		return cmp.Compare(a.seq, b.seq)
	}
	if c := s.cmp(a.rec, b.rec); c != 0 {
		return c
	}
	return strings.Compare(string(a.rec.ID), string(b.rec.ID))
}
