package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// ErrAlreadyOpened is returned when Open is called twice on one Store.
var ErrAlreadyOpened = errors.New("collection: store already opened")

// Snapshot is an immutable view of a cache. Items must be treated as
// read-only; they are shared with later snapshots.
type Snapshot[T any] struct {
	Items []T
	// Version increases on every published change, including changes of
	// the Stale flag.
	Version uint64
	// Stale is set while the cache is not receiving live events.
	Stale bool
}

// Len returns the number of items.
func (s Snapshot[T]) Len() int {
	return len(s.Items)
}

// Options configure a Store.
type Options struct {
	Collection string
	Query      transport.Query
	// Sort is required. Use InsertionOrder for server order.
	Sort Sort

	// Fetcher loads the initial snapshot and performs mutations. When nil,
	// the items mirrored in the join reply become the snapshot.
	Fetcher transport.Fetcher
	// Channel delivers change events. When nil the cache is never live and
	// stays stale.
	Channel transport.Channel

	Loop     *Loop
	Decoder  *codec.Decoder
	Observer Observer
	Logger   *slog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseOpening
	phaseReady
	phaseFailed
	phaseClosed
)

// Store keeps one collection's cache consistent with the server.
//
// All cache mutation happens on the Loop. Open, Close, Snapshot, Subscribe
// and the mutation methods may be called from any goroutine.
type Store struct {
	collection string
	query      transport.Query
	fetcher    transport.Fetcher
	channel    transport.Channel
	loop       *Loop
	decoder    *codec.Decoder
	observer   Observer
	logger     *slog.Logger

	// Loop-owned state.
	cache   *cache
	phase   phase
	buffer  []func()
	version uint64
	stale   bool
	// topicLost is set when the topic closes; a later snapshot stays stale.
	topicLost bool

	snap atomic.Pointer[published]
	// gen invalidates work started before Close.
	gen atomic.Uint64

	mu     sync.Mutex
	sub    transport.Subscription
	opened bool
	closed bool

	lmu          sync.Mutex
	listeners    map[int]func(Snapshot[ir.Record])
	nextListener int

	ready     chan struct{}
	readyOnce sync.Once
}

// New validates opts and returns an unopened Store.
func New(opts Options) (*Store, error) {
	if opts.Collection == "" {
		return nil, errors.New("collection: name required")
	}
	if opts.Sort.IsZero() {
		return nil, fmt.Errorf("collection %s: sort criterion required", opts.Collection)
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("collection %s: loop required", opts.Collection)
	}
	if opts.Fetcher == nil && opts.Channel == nil {
		return nil, fmt.Errorf("collection %s: fetcher or channel required", opts.Collection)
	}
	if opts.Decoder == nil {
		opts.Decoder = codec.NewDecoder(nil)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		collection: opts.Collection,
		query:      opts.Query.Clone(),
		fetcher:    opts.Fetcher,
		channel:    opts.Channel,
		loop:       opts.Loop,
		decoder:    opts.Decoder,
		observer:   opts.Observer,
		logger:     opts.Logger.With("collection", opts.Collection),
		cache:      newCache(opts.Sort),
		stale:      true,
		listeners:  make(map[int]func(Snapshot[ir.Record])),
		ready:      make(chan struct{}),
	}
	s.snap.Store(&published{Snapshot: Snapshot[ir.Record]{Items: []ir.Record{}, Stale: true}})
	return s, nil
}

// Collection returns the collection name.
func (s *Store) Collection() string {
	return s.collection
}

// Query returns a copy of the open parameters.
func (s *Store) Query() transport.Query {
	return s.query.Clone()
}

// Snapshot returns the current cache. It never blocks and never fetches.
func (s *Store) Snapshot() Snapshot[ir.Record] {
	return s.snap.Load().Snapshot
}

// Get returns the cached record with id from the current snapshot.
func (s *Store) Get(id ir.RecordID) (ir.Record, bool) {
	p := s.snap.Load()
	i, ok := p.index[id]
	if !ok {
		return ir.Record{}, false
	}
	return p.Items[i], true
}

// published pairs a snapshot with its id index. Both are immutable.
type published struct {
	Snapshot[ir.Record]
	index map[ir.RecordID]int
}

// Ready is closed once the first snapshot has been applied (or has failed)
// and once the store is closed.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Subscribe registers fn to receive every published snapshot, starting with
// the current one. fn runs on the loop. The returned func unregisters.
func (s *Store) Subscribe(fn func(Snapshot[ir.Record])) func() {
	s.lmu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.lmu.Unlock()

	s.loop.Post("subscribe "+s.collection, func() error {
		s.lmu.Lock()
		_, live := s.listeners[id]
		s.lmu.Unlock()
		if live {
			fn(s.Snapshot())
		}
		return nil
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// Open joins the collection topic and fetches the initial snapshot. It
// returns once both have completed; the snapshot itself is applied on the
// loop, after which Ready is closed.
//
// The join and the fetch run concurrently. Change events that arrive
// before the snapshot is applied are buffered and replayed in arrival
// order. Without a fetcher the items mirrored in the join reply are the
// snapshot.
//
// A failed fetch leaves the cache empty and stale, leaves the topic and
// returns a FETCH_FAILED error. A failed join keeps the fetched snapshot,
// marks it stale and returns a TOPIC_JOIN_FAILED error.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	s.opened = true
	gen := s.gen.Load()
	s.mu.Unlock()

	s.loop.Post("opening "+s.collection, func() error {
		if s.valid(gen) && s.phase == phaseIdle {
			s.phase = phaseOpening
		}
		return nil
	})

	type joined struct {
		sub   transport.Subscription
		items []json.RawMessage
		err   error
	}
	joinDone := make(chan joined, 1)
	if s.channel != nil {
		go func() {
			sub, items, err := s.channel.Join(ctx, transport.Topic(s.collection), s.query, transport.Handlers{
				OnChange: func(c transport.Change) {
					s.loop.Post("change "+s.collection, func() error {
						s.onChange(gen, c)
						return nil
					})
				},
				OnClose: func(err error) {
					s.loop.Post("topic closed "+s.collection, func() error {
						s.onTopicClosed(gen, err)
						return nil
					})
				},
			})
			joinDone <- joined{sub: sub, items: items, err: err}
		}()
	}

	var items []json.RawMessage
	var fetchErr error
	if s.fetcher != nil {
		got, err := s.fetcher.List(ctx, s.collection, s.query)
		if err != nil {
			fetchErr = &Error{Kind: KindFetchFailed, Collection: s.collection, Err: err}
			s.logger.Warn("initial fetch failed", "error", err)
		}
		items = got
	}

	var joinErr error
	live := false
	if s.channel != nil {
		j := <-joinDone
		if j.err != nil {
			joinErr = &Error{Kind: KindTopicJoinFailed, Collection: s.collection, Err: j.err}
			s.logger.Warn("topic join failed", "error", j.err)
		} else {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = j.sub.Leave()
				return nil
			}
			s.sub = j.sub
			s.mu.Unlock()
			live = true
		}

		// The join reply mirrors the snapshot for convenience; the REST
		// result is authoritative, so the mirror is only used without a
		// fetcher.
		if s.fetcher == nil {
			if joinErr != nil {
				fetchErr = &Error{Kind: KindFetchFailed, Collection: s.collection, Err: joinErr}
			} else {
				items = j.items
			}
		}
	}

	if fetchErr != nil {
		s.leave()
	}

	s.loop.Post("snapshot "+s.collection, func() error {
		s.applySnapshot(gen, items, fetchErr, live)
		return nil
	})

	return errors.Join(fetchErr, joinErr)
}

func (s *Store) leave() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Leave(); err != nil {
			s.logger.Warn("leave topic failed", "error", err)
		}
	}
}

// Close leaves the topic and releases listeners. Closing twice, or closing
// a store that was never opened, is a no-op. Results of an in-flight open
// are discarded when they arrive.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen.Add(1)
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Leave()
	}

	s.lmu.Lock()
	s.listeners = make(map[int]func(Snapshot[ir.Record]))
	s.lmu.Unlock()

	s.loop.Post("close "+s.collection, func() error {
		s.phase = phaseClosed
		s.buffer = nil
		return nil
	})
	s.markReady()
	return err
}

func (s *Store) valid(gen uint64) bool {
	return s.gen.Load() == gen
}

// applySnapshot runs on the loop.
func (s *Store) applySnapshot(gen uint64, items []json.RawMessage, fetchErr error, live bool) {
	if !s.valid(gen) || s.phase == phaseClosed {
		s.observer.Observe(Event{Collection: s.collection, Source: SourceSnapshot, Outcome: OutcomeDiscarded, Version: s.version})
		return
	}
	defer s.markReady()

	if fetchErr != nil {
		for range s.buffer {
			s.observer.Observe(Event{Collection: s.collection, Source: SourceEvent, Outcome: OutcomeDiscarded, Version: s.version})
		}
		s.buffer = nil
		s.cache.reset(nil)
		s.phase = phaseFailed
		s.stale = true
		s.version++
		s.store()
		return
	}

	recs := make([]ir.Record, 0, len(items))
	for _, raw := range items {
		rec, diags, err := s.decoder.Decode(s.collection, raw)
		if err != nil {
			s.drop(SourceSnapshot, 0, err)
			continue
		}
		s.logDiagnostics(rec.ID, diags)
		recs = append(recs, rec)
	}
	s.cache.reset(recs)
	s.phase = phaseReady
	s.stale = !live || s.topicLost
	s.version++
	s.observer.Observe(Event{
		Collection: s.collection,
		Source:     SourceSnapshot,
		Outcome:    OutcomeApplied,
		Version:    s.version,
		Records:    s.cache.records(),
	})

	buffered := s.buffer
	s.buffer = nil
	for _, replay := range buffered {
		replay()
	}
	s.publishCurrent()
}

// onChange runs on the loop.
func (s *Store) onChange(gen uint64, c transport.Change) {
	if !s.valid(gen) {
		s.observer.Observe(Event{Collection: s.collection, Source: SourceEvent, Outcome: OutcomeDiscarded, Version: s.version})
		return
	}
	switch s.phase {
	case phaseIdle, phaseOpening:
		s.buffer = append(s.buffer, func() { s.applyChange(SourceEvent, c) })
		s.observer.Observe(Event{Collection: s.collection, Source: SourceEvent, Outcome: OutcomeBuffered, Version: s.version})
	case phaseReady:
		if s.applyChange(SourceEvent, c) {
			s.publishCurrent()
		}
	default:
		s.observer.Observe(Event{Collection: s.collection, Source: SourceEvent, Outcome: OutcomeDiscarded, Version: s.version})
	}
}

// applyChange decodes and reduces one change. It reports whether the cache
// changed.
func (s *Store) applyChange(source Source, c transport.Change) bool {
	action, err := ir.ParseAction(c.Action)
	if err != nil {
		s.drop(source, 0, err)
		return false
	}
	if len(c.Record) == 0 {
		s.drop(source, action, errors.New("change without record"))
		return false
	}
	rec, diags, err := s.decoder.Decode(s.collection, c.Record)
	if err != nil {
		s.drop(source, action, err)
		return false
	}
	s.logDiagnostics(rec.ID, diags)
	return s.reduce(source, action, rec, diags)
}

func (s *Store) reduce(source Source, action ir.Action, rec ir.Record, diags []codec.Diagnostic) bool {
	var outcome Outcome
	if action == ir.ActionDelete {
		outcome = s.cache.remove(rec.ID)
	} else {
		outcome = s.cache.upsert(rec)
	}
	if outcome == OutcomeApplied {
		s.version++
	}

	ev := Event{
		Collection: s.collection,
		Source:     source,
		Action:     action,
		ID:         rec.ID,
		Outcome:    outcome,
		Version:    s.version,
	}
	if action != ir.ActionDelete {
		ev.Record = rec
	}
	for _, d := range diags {
		ev.Diagnostics = append(ev.Diagnostics, d.String())
	}
	s.observer.Observe(ev)
	s.logger.Debug("change reduced", "source", source, "action", action, "id", rec.ID, "outcome", outcome, "version", s.version)
	return outcome == OutcomeApplied
}

func (s *Store) drop(source Source, action ir.Action, err error) {
	derr := &Error{Kind: KindDecodeSkipped, Collection: s.collection, Err: err}
	s.logger.Warn("dropping wire record", "source", source, "error", derr)
	s.observer.Observe(Event{
		Collection:  s.collection,
		Source:      source,
		Action:      action,
		Outcome:     OutcomeDropped,
		Version:     s.version,
		Diagnostics: []string{err.Error()},
	})
}

func (s *Store) logDiagnostics(id ir.RecordID, diags []codec.Diagnostic) {
	for _, d := range diags {
		s.logger.Warn("field coerced", "id", id, "field", d.Field, "reason", d.Reason)
	}
}

// onTopicClosed runs on the loop.
func (s *Store) onTopicClosed(gen uint64, err error) {
	if !s.valid(gen) {
		return
	}
	s.mu.Lock()
	s.sub = nil
	s.mu.Unlock()

	s.logger.Warn("topic closed, cache is stale", "error", err)
	s.topicLost = true
	if !s.stale {
		s.stale = true
		if s.phase == phaseReady {
			s.version++
			s.store()
		}
	}
}

// publishCurrent publishes after changes that already bumped the version.
func (s *Store) publishCurrent() {
	cur := s.snap.Load().Snapshot
	if cur.Version == s.version && cur.Stale == s.stale {
		return
	}
	s.store()
}

func (s *Store) store() {
	items := s.cache.records()
	index := make(map[ir.RecordID]int, len(items))
	for i, r := range items {
		index[r.ID] = i
	}
	snap := &Snapshot[ir.Record]{
		Items:   items,
		Version: s.version,
		Stale:   s.stale,
	}
	s.snap.Store(&published{Snapshot: *snap, index: index})
	s.observer.ObserveState(State{Collection: s.collection, Size: len(snap.Items), Version: snap.Version, Stale: snap.Stale})

	s.lmu.Lock()
	fns := make([]func(Snapshot[ir.Record]), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(*snap)
	}
}

// Create sends a create request and applies the response once. The
// change event echoing it is then detected as a duplicate.
func (s *Store) Create(ctx context.Context, p codec.Payload) (ir.Record, error) {
	if s.fetcher == nil {
		return ir.Record{}, &Error{Kind: KindRequestFailed, Collection: s.collection, Op: "create", Err: errors.New("no fetcher")}
	}
	raw, err := s.fetcher.Create(ctx, s.collection, p)
	if err != nil {
		return ir.Record{}, &Error{Kind: KindRequestFailed, Collection: s.collection, Op: "create", Err: err}
	}
	return s.applyResponse(ir.ActionCreate, raw), nil
}

// Update sends a partial update and applies the response once.
func (s *Store) Update(ctx context.Context, id ir.RecordID, p codec.Payload) (ir.Record, error) {
	if s.fetcher == nil {
		return ir.Record{}, &Error{Kind: KindRequestFailed, Collection: s.collection, ID: id, Op: "update", Err: errors.New("no fetcher")}
	}
	raw, err := s.fetcher.Update(ctx, s.collection, id, p)
	if err != nil {
		return ir.Record{}, &Error{Kind: KindRequestFailed, Collection: s.collection, ID: id, Op: "update", Err: err}
	}
	return s.applyResponse(ir.ActionUpdate, raw), nil
}

// Delete sends a delete request and removes the record once.
func (s *Store) Delete(ctx context.Context, id ir.RecordID) error {
	if s.fetcher == nil {
		return &Error{Kind: KindRequestFailed, Collection: s.collection, ID: id, Op: "delete", Err: errors.New("no fetcher")}
	}
	if err := s.fetcher.Delete(ctx, s.collection, id); err != nil {
		return &Error{Kind: KindRequestFailed, Collection: s.collection, ID: id, Op: "delete", Err: err}
	}
	gen := s.gen.Load()
	rec := ir.Record{ID: id, Collection: s.collection}
	s.loop.Post("response "+s.collection, func() error {
		s.onResponse(gen, ir.ActionDelete, rec, nil)
		return nil
	})
	return nil
}

// applyResponse decodes a mutation response and queues it on the loop. An
// empty or undecodable response is left to the change event.
func (s *Store) applyResponse(action ir.Action, raw json.RawMessage) ir.Record {
	if len(raw) == 0 {
		return ir.Record{}
	}
	rec, diags, err := s.decoder.Decode(s.collection, raw)
	if err != nil {
		s.logger.Warn("undecodable response, waiting for change event", "action", action, "error", err)
		return ir.Record{}
	}
	gen := s.gen.Load()
	s.loop.Post("response "+s.collection, func() error {
		s.onResponse(gen, action, rec, diags)
		return nil
	})
	return rec
}

// onResponse runs on the loop.
func (s *Store) onResponse(gen uint64, action ir.Action, rec ir.Record, diags []codec.Diagnostic) {
	if !s.valid(gen) {
		return
	}
	switch s.phase {
	case phaseReady:
		if s.reduce(SourceResponse, action, rec, diags) {
			s.publishCurrent()
		}
	case phaseIdle, phaseOpening:
		s.buffer = append(s.buffer, func() { s.reduce(SourceResponse, action, rec, diags) })
		s.observer.Observe(Event{Collection: s.collection, Source: SourceResponse, Action: action, ID: rec.ID, Outcome: OutcomeBuffered, Version: s.version})
	}
}
