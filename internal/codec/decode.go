package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// ErrMissingID is returned when a wire record carries no usable id.
var ErrMissingID = errors.New("record has no id")

// DecodeError reports a wire record that could not be decoded at all.
type DecodeError struct {
	Collection string
	Reason     string
	Err        error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Collection, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Collection, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Diagnostic describes a field that was replaced by its default during
// decoding. Diagnostics never abandon a record.
type Diagnostic struct {
	Field  string
	Reason string
}

func (d Diagnostic) String() string {
	return d.Field + ": " + d.Reason
}

// Decoder turns wire records into ir.Records using a Registry.
type Decoder struct {
	registry Registry
}

// NewDecoder returns a decoder over the given schemas.
func NewDecoder(registry Registry) *Decoder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Decoder{registry: registry}
}

// Decode decodes one wire record of collection. Missing or mistyped
// optional fields take their defaults and are reported as diagnostics. A
// record without an id is rejected with a *DecodeError wrapping
// ErrMissingID.
func (d *Decoder) Decode(collection string, data []byte) (ir.Record, []Diagnostic, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ir.Record{}, nil, &DecodeError{Collection: collection, Reason: "not an object", Err: err}
	}
	return d.decodeObject(collection, raw, 0)
}

// maxExpandDepth bounds nested expand decoding.
const maxExpandDepth = 4

func (d *Decoder) decodeObject(collection string, raw map[string]json.RawMessage, depth int) (ir.Record, []Diagnostic, error) {
	id, ok := decodeID(raw["id"])
	if !ok {
		return ir.Record{}, nil, &DecodeError{Collection: collection, Reason: "required identity absent", Err: ErrMissingID}
	}

	schema := d.registry.Lookup(collection)
	rec := ir.Record{
		ID:         ir.RecordID(id),
		Collection: collection,
		Fields:     ir.Object{},
		Created:    decodeTimestamp(raw["created"]),
		Updated:    decodeTimestamp(raw["updated"]),
	}
	var diags []Diagnostic

	var expand map[string]json.RawMessage
	if e, ok := raw["expand"]; ok && !isNull(e) {
		if err := json.Unmarshal(e, &expand); err != nil {
			diags = append(diags, Diagnostic{Field: "expand", Reason: "not an object, ignored"})
			expand = nil
		}
	}

	for _, f := range schema.Fields {
		msg, present := raw[f.Name]
		switch f.Kind {
		case KindRelation, KindRelations:
			rel, diag := d.decodeRelation(f, msg, expand[f.Name], depth)
			if diag != "" {
				diags = append(diags, Diagnostic{Field: f.Name, Reason: diag})
			}
			if rec.Relations == nil {
				rec.Relations = make(map[string]ir.Relation)
			}
			rec.Relations[f.Name] = rel
		default:
			v, diag := decodeScalar(f, msg, present)
			if diag != "" {
				diags = append(diags, Diagnostic{Field: f.Name, Reason: diag})
			}
			if v != nil {
				rec.Fields[f.Name] = v
			}
		}
	}

	// Undeclared fields are kept leniently so unknown server additions
	// survive a round trip through the cache.
	for key, msg := range raw {
		if IsServerOwned(key) {
			continue
		}
		if _, declared := schema.Field(key); declared {
			continue
		}
		v, err := ir.DecodeValue(msg)
		if err != nil {
			diags = append(diags, Diagnostic{Field: key, Reason: err.Error()})
			continue
		}
		rec.Fields[key] = v
	}

	return rec, diags, nil
}

func decodeID(msg json.RawMessage) (string, bool) {
	if len(msg) == 0 || isNull(msg) {
		return "", false
	}
	v, err := ir.DecodeValue(msg)
	if err != nil {
		return "", false
	}
	switch id := v.(type) {
	case ir.String:
		if id == "" {
			return "", false
		}
		return string(id), true
	case ir.Int:
		return strconv.FormatInt(int64(id), 10), true
	default:
		return "", false
	}
}

func decodeTimestamp(msg json.RawMessage) string {
	var s string
	if len(msg) == 0 || json.Unmarshal(msg, &s) != nil {
		return ""
	}
	return s
}

func isNull(msg json.RawMessage) bool {
	return strings.TrimSpace(string(msg)) == "null"
}

// decodeScalar returns the decoded value, or the default for the kind, and a
// diagnostic when a present value had to be replaced. A nil value means the
// field stays absent (KindOptionalInt).
func decodeScalar(f Field, msg json.RawMessage, present bool) (ir.Value, string) {
	def := defaultFor(f.Kind)
	if !present || isNull(msg) {
		return def, ""
	}

	if f.Kind == KindInt || f.Kind == KindOptionalInt {
		if n, ok := ceilFraction(msg); ok {
			return n, fmt.Sprintf("fractional number %s rounded up to %d", strings.TrimSpace(string(msg)), int64(n))
		}
	}

	v, err := ir.DecodeValue(msg)
	if err != nil {
		return def, err.Error() + ", using default"
	}

	switch f.Kind {
	case KindString, KindFile:
		if s, ok := v.(ir.String); ok {
			return s, ""
		}
	case KindInt, KindOptionalInt:
		if n, ok := v.(ir.Int); ok {
			return n, ""
		}
	case KindBool:
		if b, ok := v.(ir.Bool); ok {
			return b, ""
		}
	case KindOpaqueID:
		switch id := v.(type) {
		case ir.String:
			return id, ""
		case ir.Int:
			return ir.String(strconv.FormatInt(int64(id), 10)), ""
		}
	}
	return def, fmt.Sprintf("unexpected %s, using default", typeName(v))
}

// ceilFraction rounds a non-integral JSON number up, so a fractional
// krone amount never undercharges.
func ceilFraction(msg json.RawMessage) (ir.Int, bool) {
	var f float64
	if json.Unmarshal(msg, &f) != nil || f == math.Trunc(f) {
		return 0, false
	}
	c := math.Ceil(f)
	if math.Abs(c) > math.MaxInt64 {
		return 0, false
	}
	return ir.Int(int64(c)), true
}

func defaultFor(kind FieldKind) ir.Value {
	switch kind {
	case KindString, KindFile, KindOpaqueID:
		return ir.String("")
	case KindInt:
		return ir.Int(0)
	case KindBool:
		return ir.Bool(false)
	default:
		return nil
	}
}

func (d *Decoder) decodeRelation(f Field, msg, expanded json.RawMessage, depth int) (ir.Relation, string) {
	if len(expanded) > 0 && !isNull(expanded) && depth < maxExpandDepth {
		if rel, ok := d.decodeExpanded(f, expanded, depth); ok {
			return rel, ""
		}
	}

	if f.Kind == KindRelation {
		if len(msg) == 0 || isNull(msg) {
			return ir.Ref(""), ""
		}
		if id, ok := decodeID(msg); ok {
			return ir.Ref(id), ""
		}
		// Some variants send a one-element list for a single relation.
		var ids []json.RawMessage
		if json.Unmarshal(msg, &ids) == nil {
			if len(ids) > 0 {
				if id, ok := decodeID(ids[0]); ok {
					return ir.Ref(id), ""
				}
			}
			return ir.Ref(""), ""
		}
		return ir.Ref(""), "not an id, using empty relation"
	}

	if len(msg) == 0 || isNull(msg) {
		return ir.Refs{}, ""
	}
	var items []json.RawMessage
	if err := json.Unmarshal(msg, &items); err != nil {
		if id, ok := decodeID(msg); ok {
			return ir.Refs{ir.RecordID(id)}, ""
		}
		return ir.Refs{}, "not a list, using empty relation"
	}
	refs := make(ir.Refs, 0, len(items))
	var diag string
	for _, item := range items {
		id, ok := decodeID(item)
		if !ok {
			diag = "skipped element without id"
			continue
		}
		refs = append(refs, ir.RecordID(id))
	}
	return refs, diag
}

func (d *Decoder) decodeExpanded(f Field, data json.RawMessage, depth int) (ir.Relation, bool) {
	target := f.Target
	if target == "" {
		target = f.Name
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) == nil {
		rec, _, err := d.decodeObject(target, obj, depth+1)
		if err != nil {
			return nil, false
		}
		if f.Kind == KindRelations {
			return ir.ExpandedList{rec}, true
		}
		return ir.Expanded{Record: rec}, true
	}

	var list []map[string]json.RawMessage
	if json.Unmarshal(data, &list) != nil {
		return nil, false
	}
	out := make(ir.ExpandedList, 0, len(list))
	for _, item := range list {
		rec, _, err := d.decodeObject(target, item, depth+1)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if f.Kind == KindRelation {
		if len(out) == 0 {
			return nil, false
		}
		return ir.Expanded{Record: out[0]}, true
	}
	return out, true
}

func typeName(v ir.Value) string {
	switch v.(type) {
	case ir.String:
		return "string"
	case ir.Int:
		return "integer"
	case ir.Bool:
		return "boolean"
	case ir.Array:
		return "array"
	case ir.Object:
		return "object"
	case ir.Null:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
