// Package status syncs the shop status singleton and the display messages.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/view"
)

// ErrNoStatus is returned by Update when the backend has no status record.
var ErrNoStatus = errors.New("status: no status record")

// Base is served until a status record is cached.
var Base = codec.Status{Open: false, ShowMessage: false}

// Service exposes the status singleton and message CRUD.
type Service struct {
	statuses *collection.Typed[codec.Status]
	single   *view.Single[codec.Status]

	// Messages supports Create, Update and Delete.
	Messages *collection.Typed[codec.Message]

	handles []*collection.Handle
}

// Open syncs status and message. Sync failures are returned alongside a
// usable Service.
func Open(ctx context.Context, pool *collection.Pool) (*Service, error) {
	var errs []error
	s := &Service{}

	status, err := pool.Acquire(ctx, codec.CollectionStatus, nil, collection.InsertionOrder)
	if status == nil {
		return nil, fmt.Errorf("open status: %w", err)
	}
	errs = append(errs, err)
	s.handles = append(s.handles, status)

	messages, err := pool.Acquire(ctx, codec.CollectionMessage, nil, collection.ByCreated())
	if messages == nil {
		_ = s.Close()
		return nil, fmt.Errorf("open messages: %w", err)
	}
	errs = append(errs, err)
	s.handles = append(s.handles, messages)

	s.statuses = collection.NewTyped(status.Store(), codec.Statuses)
	s.single = view.NewSingle(s.statuses, Base)
	s.Messages = collection.NewTyped(messages.Store(), codec.Messages)
	return s, errors.Join(errs...)
}

// Close stops syncing.
func (s *Service) Close() error {
	var errs []error
	for _, h := range s.handles {
		errs = append(errs, h.Close())
	}
	s.handles = nil
	return errors.Join(errs...)
}

// Status returns the first status record, or Base.
func (s *Service) Status() codec.Status {
	return s.single.Get()
}

// Stale reports whether the status is not receiving live updates.
func (s *Service) Stale() bool {
	return s.statuses.Snapshot().Stale
}

// Message returns the message the status points at, if cached.
func (s *Service) Message() (codec.Message, bool) {
	st := s.Status()
	if st.Expanded != nil {
		return *st.Expanded, true
	}
	if st.Message == "" {
		return codec.Message{}, false
	}
	return s.Messages.Find(func(m codec.Message) bool { return m.ID == st.Message })
}

// Update writes open, show_message and message of the status record.
func (s *Service) Update(ctx context.Context, st codec.Status) (codec.Status, error) {
	if st.ID == "" {
		st.ID = s.Status().ID
	}
	if st.ID == "" {
		return codec.Status{}, ErrNoStatus
	}
	return s.statuses.Update(ctx, st.ID, st)
}
