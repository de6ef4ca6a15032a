package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// File is a binary attachment carried by a mutation payload.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Payload is an encoded mutation body. Payloads with attachments are sent as
// multipart forms; all others are flat JSON objects.
type Payload struct {
	Fields ir.Object
	Files  []File
}

// IsMultipart reports whether the payload must be sent as a multipart form.
func (p Payload) IsMultipart() bool {
	return len(p.Files) > 0
}

// Body renders the payload and returns its content type.
func (p Payload) Body() (string, []byte, error) {
	if !p.IsMultipart() {
		fields := p.Fields
		if fields == nil {
			fields = ir.Object{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return "", nil, fmt.Errorf("encode json payload: %w", err)
		}
		return "application/json", data, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, key := range p.Fields.SortedKeys() {
		if err := writeFormValue(w, key, p.Fields[key]); err != nil {
			return "", nil, err
		}
	}
	for _, f := range p.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return "", nil, fmt.Errorf("create part %s: %w", f.Field, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return "", nil, fmt.Errorf("write part %s: %w", f.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close multipart: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// writeFormValue writes a scalar as one form field and an array as one
// field per element, the way HTML forms encode multi-valued inputs.
func writeFormValue(w *multipart.Writer, key string, v ir.Value) error {
	if arr, ok := v.(ir.Array); ok {
		for _, elem := range arr {
			if err := w.WriteField(key, formString(elem)); err != nil {
				return fmt.Errorf("write field %s: %w", key, err)
			}
		}
		return nil
	}
	if err := w.WriteField(key, formString(v)); err != nil {
		return fmt.Errorf("write field %s: %w", key, err)
	}
	return nil
}

func formString(v ir.Value) string {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Bool:
		return strconv.FormatBool(bool(val))
	case ir.Null, nil:
		return ""
	default:
		data, err := ir.MarshalValue(v)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}

// EncodeRecord builds a mutation payload from a record: declared scalar
// fields, relation ids and any undeclared fields, never server-owned keys.
// Single relations encode as an id string (or null when empty), multi-valued
// relations as id arrays.
func EncodeRecord(schema Schema, rec ir.Record) Payload {
	fields := make(ir.Object, len(rec.Fields)+len(rec.Relations))
	for key, v := range rec.Fields {
		if IsServerOwned(key) {
			continue
		}
		if f, ok := schema.Field(key); ok && f.Kind == KindFile {
			// Stored file names are server-assigned; uploads go through Files.
			continue
		}
		fields[key] = v
	}
	for name, rel := range rec.Relations {
		f, ok := schema.Field(name)
		if ok && f.Kind == KindRelation {
			id := ir.FirstID(rel)
			if id == "" {
				fields[name] = ir.Null{}
			} else {
				fields[name] = ir.String(id)
			}
			continue
		}
		fields[name] = idArray(rel.IDs())
	}
	return Payload{Fields: fields}
}

func idArray(ids []ir.RecordID) ir.Array {
	arr := make(ir.Array, len(ids))
	for i, id := range ids {
		arr[i] = ir.String(id)
	}
	return arr
}
