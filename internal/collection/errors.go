package collection

import (
	"errors"
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// ErrorKind categorizes sync failures.
type ErrorKind string

const (
	// KindFetchFailed: the initial snapshot fetch failed. The cache is empty
	// and stale; nothing is retried.
	KindFetchFailed ErrorKind = "FETCH_FAILED"

	// KindTopicJoinFailed: the realtime topic could not be joined or timed
	// out. The cache keeps the fetched snapshot and is marked stale.
	KindTopicJoinFailed ErrorKind = "TOPIC_JOIN_FAILED"

	// KindRequestFailed: a create, update or delete request did not take
	// effect. The cache is unchanged.
	KindRequestFailed ErrorKind = "REQUEST_FAILED"

	// KindDecodeSkipped: a wire record had no id and was dropped.
	KindDecodeSkipped ErrorKind = "DECODE_SKIPPED"
)

// Error is a sync failure with structured context.
type Error struct {
	Kind       ErrorKind
	Collection string
	// ID is set for request failures on an existing record.
	ID ir.RecordID
	// Op names the failed request ("create", "update", "delete").
	Op  string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s: %s %s/%s: %v", e.Kind, e.Op, e.Collection, e.ID, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Collection, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Collection, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// hasKind searches the whole error tree, so a join failure reported
// together with a fetch failure is still found.
func hasKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if hasKind(inner, kind) {
				return true
			}
		}
	}
	return false
}

// IsFetchFailed reports whether err is a snapshot fetch failure.
func IsFetchFailed(err error) bool {
	return hasKind(err, KindFetchFailed)
}

// IsTopicJoinFailed reports whether err is a topic join failure.
func IsTopicJoinFailed(err error) bool {
	return hasKind(err, KindTopicJoinFailed)
}

// IsRequestFailed reports whether err is a failed mutation request.
func IsRequestFailed(err error) bool {
	return hasKind(err, KindRequestFailed)
}

// IsDecodeSkipped reports whether err is a dropped wire record.
func IsDecodeSkipped(err error) bool {
	return hasKind(err, KindDecodeSkipped)
}
