// Package undo is a LIFO log of reversible mutations.
//
// An entry is recorded before its request is sent and discarded again if
// the request fails, so the log only ever holds changes the server
// accepted. UndoLast pops the newest entry and issues its inverse.
package undo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// IDGenerator produces entry ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 entry ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Entry is one recorded mutation. Previous is the value to restore.
type Entry[T any] struct {
	ID       string
	Action   string
	Target   ir.RecordID
	Previous T
}

// Inverse issues the request that reverts e.
type Inverse[T any] func(ctx context.Context, e Entry[T]) error

// Log is a strict LIFO undo log. It is unbounded and safe for concurrent
// use.
type Log[T any] struct {
	inverse Inverse[T]
	ids     IDGenerator
	logger  *slog.Logger

	mu      sync.Mutex
	entries []Entry[T]
}

// Option configures a Log.
type Option func(*options)

type options struct {
	ids    IDGenerator
	logger *slog.Logger
}

// WithIDGenerator overrides the entry id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns an empty log reverting entries with inverse.
func New[T any](inverse Inverse[T], opts ...Option) *Log[T] {
	o := options{ids: UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Log[T]{inverse: inverse, ids: o.ids, logger: o.logger}
}

// Record pushes an entry and returns it.
func (l *Log[T]) Record(action string, target ir.RecordID, previous T) Entry[T] {
	e := Entry[T]{ID: l.ids.Generate(), Action: action, Target: target, Previous: previous}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// Discard removes the entry with id. It reports whether it was present.
func (l *Log[T]) Discard(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.entries, func(e Entry[T]) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	return true
}

// Do records an entry, runs req and discards the entry again when req
// fails.
func (l *Log[T]) Do(ctx context.Context, action string, target ir.RecordID, previous T, req func(context.Context) error) error {
	e := l.Record(action, target, previous)
	if err := req(ctx); err != nil {
		l.Discard(e.ID)
		return err
	}
	return nil
}

// UndoLast pops the newest entry and issues its inverse. An empty log is a
// no-op and reports false. When the inverse fails the entry is put back
// where it was, so the undo can be retried.
func (l *Log[T]) UndoLast(ctx context.Context) (Entry[T], bool, error) {
	l.mu.Lock()
	if len(l.entries) == 0 {
		l.mu.Unlock()
		return Entry[T]{}, false, nil
	}
	idx := len(l.entries) - 1
	e := l.entries[idx]
	l.entries = l.entries[:idx]
	l.mu.Unlock()

	if err := l.inverse(ctx, e); err != nil {
		l.mu.Lock()
		l.entries = slices.Insert(l.entries, min(idx, len(l.entries)), e)
		l.mu.Unlock()
		l.logger.Warn("undo failed, entry restored", "action", e.Action, "target", e.Target, "error", err)
		return e, true, fmt.Errorf("undo %s %s: %w", e.Action, e.Target, err)
	}
	l.logger.Debug("undone", "action", e.Action, "target", e.Target, "entry", e.ID)
	return e, true, nil
}

// Len returns the number of entries.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the log, oldest first.
func (l *Log[T]) Entries() []Entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}
