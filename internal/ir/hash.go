package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRecord = "kaffediem/record/v1"
	DomainQuery  = "kaffediem/query/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the content hash of a record: its id, scalar fields
// and the ids of its relations. Expansion state does not change the
// fingerprint, so an expanded echo of a bare-id response is a duplicate.
func Fingerprint(r Record) (string, error) {
	rels := make(Object, len(r.Relations))
	for name, rel := range r.Relations {
		ids := rel.IDs()
		arr := make(Array, len(ids))
		for i, id := range ids {
			arr[i] = String(id)
		}
		rels[name] = arr
	}
	fields := r.Fields
	if fields == nil {
		fields = Object{}
	}

	obj := Object{
		"id":        String(r.ID),
		"fields":    fields,
		"relations": rels,
		"updated":   String(r.Updated),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", r.ID, err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// QueryKey identifies a (collection, query params) pair. Two opens with the
// same key may share one cache.
func QueryKey(collection string, params map[string]string) (string, error) {
	obj := make(Object, len(params))
	for k, v := range params {
		obj[k] = String(v)
	}
	canonical, err := MarshalCanonical(Object{
		"collection": String(collection),
		"params":     obj,
	})
	if err != nil {
		return "", fmt.Errorf("query key %s: %w", collection, err)
	}
	return hashWithDomain(DomainQuery, canonical), nil
}
