package journal

import (
	"encoding/json"
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Session is one recorded process run.
type Session struct {
	ID        string
	StartedAt string
	Label     string
}

// Entry is one recorded store input.
type Entry struct {
	Seq        int64
	Session    string
	Collection string
	Source     collection.Source
	// Action is empty for snapshots and for inputs dropped before their
	// action was known.
	Action  string
	ID      ir.RecordID
	Outcome collection.Outcome
	Version uint64
	// Record is the wire form of the record for creates and updates.
	Record json.RawMessage
	// Records is the applied snapshot for snapshot entries.
	Records     []json.RawMessage
	Diagnostics []string
}

// entryFromEvent converts an observed event to its journal form.
func entryFromEvent(reg codec.Registry, e collection.Event) (Entry, error) {
	out := Entry{
		Collection:  e.Collection,
		Source:      e.Source,
		ID:          e.ID,
		Outcome:     e.Outcome,
		Version:     e.Version,
		Diagnostics: e.Diagnostics,
	}
	if e.Action != 0 {
		out.Action = e.Action.String()
	}
	if e.Record.ID != "" {
		raw, err := wireRecord(reg, e.Collection, e.Record)
		if err != nil {
			return Entry{}, err
		}
		out.Record = raw
	}
	if e.Source == collection.SourceSnapshot && e.Outcome == collection.OutcomeApplied {
		out.Records = make([]json.RawMessage, 0, len(e.Records))
		for _, rec := range e.Records {
			raw, err := wireRecord(reg, e.Collection, rec)
			if err != nil {
				return Entry{}, err
			}
			out.Records = append(out.Records, raw)
		}
	}
	return out, nil
}

// wireRecord renders rec the way the server sends it, with relations as
// bare ids. Expanded relations are recorded by id only.
func wireRecord(reg codec.Registry, coll string, rec ir.Record) (json.RawMessage, error) {
	obj := rec.Fields.Clone()
	if obj == nil {
		obj = ir.Object{}
	}
	obj["id"] = ir.String(rec.ID)
	if rec.Created != "" {
		obj["created"] = ir.String(rec.Created)
	}
	if rec.Updated != "" {
		obj["updated"] = ir.String(rec.Updated)
	}

	schema := reg.Lookup(coll)
	for name, rel := range rec.Relations {
		if f, ok := schema.Field(name); ok && f.Kind == codec.KindRelation {
			if id := ir.FirstID(rel); id != "" {
				obj[name] = ir.String(id)
			} else {
				obj[name] = ir.Null{}
			}
			continue
		}
		var ids []ir.RecordID
		if rel != nil {
			ids = rel.IDs()
		}
		arr := make(ir.Array, len(ids))
		for i, id := range ids {
			arr[i] = ir.String(id)
		}
		obj[name] = arr
	}

	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record %s: %w", coll, rec.ID, err)
	}
	return data, nil
}

func marshalDiagnostics(diags []string) (string, error) {
	if len(diags) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(diags)
	if err != nil {
		return "", fmt.Errorf("marshal diagnostics: %w", err)
	}
	return string(data), nil
}

func unmarshalDiagnostics(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var diags []string
	if err := json.Unmarshal([]byte(data), &diags); err != nil {
		return nil, fmt.Errorf("unmarshal diagnostics: %w", err)
	}
	return diags, nil
}
