package collection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
	"github.com/Kaffe-diem/kaffediem/internal/transport/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	events []Event
	states []State
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ObserveState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) outcomes(source Source) []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outcome
	for _, e := range r.events {
		if e.Source == source {
			out = append(out, e.Outcome)
		}
	}
	return out
}

func item(id string, price int64) ir.Object {
	return ir.Object{"id": ir.String(id), "price_nok": ir.Int(price)}
}

func ids(recs []ir.Record) []ir.RecordID {
	out := make([]ir.RecordID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

type fixture struct {
	backend *memory.Backend
	loop    *Loop
	rec     *recorder
}

func newFixture() *fixture {
	return &fixture{backend: memory.New(), loop: NewLoop(discard), rec: &recorder{}}
}

func (f *fixture) store(t *testing.T, collection string, sort Sort) *Store {
	t.Helper()
	s, err := New(Options{
		Collection: collection,
		Sort:       sort,
		Fetcher:    f.backend,
		Channel:    f.backend,
		Loop:       f.loop,
		Observer:   f.rec,
		Logger:     discard,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) open(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Open(context.Background()))
	f.loop.Drain()
}

func TestNew_RequiresSort(t *testing.T) {
	f := newFixture()
	_, err := New(Options{Collection: "item", Fetcher: f.backend, Loop: f.loop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sort criterion required")
}

func TestOpen_SnapshotThenLive(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50), item("i2", 30))
	s := f.store(t, "item", InsertionOrder)

	before := s.Snapshot()
	assert.True(t, before.Stale)
	assert.Empty(t, before.Items)

	f.open(t, s)

	snap := s.Snapshot()
	assert.False(t, snap.Stale)
	assert.Equal(t, []ir.RecordID{"i1", "i2"}, ids(snap.Items))
	assert.Greater(t, snap.Version, before.Version)

	select {
	case <-s.Ready():
	default:
		t.Fatal("ready not closed after snapshot")
	}
}

func TestOpen_EventBeforeSnapshotIsReplayed(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	f.backend.Hold("item")
	s := f.store(t, "item", InsertionOrder)

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()

	require.Eventually(t, func() bool { return f.backend.Subscribers("item") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.backend.Push("item", "create", item("i2", 30)))
	f.backend.Release("item")
	require.NoError(t, <-done)
	f.loop.Drain()

	snap := s.Snapshot()
	assert.Equal(t, []ir.RecordID{"i1", "i2"}, ids(snap.Items))
	price, _ := snap.Items[1].Fields.Int("price_nok")
	assert.Equal(t, int64(30), price)
	assert.Equal(t, []Outcome{OutcomeBuffered, OutcomeApplied}, f.rec.outcomes(SourceEvent))
}

func TestOpen_ArrivalOrderDoesNotChangeResult(t *testing.T) {
	run := func(beforeSnapshot bool) []ir.Record {
		f := newFixture()
		f.backend.Seed("item", item("i1", 50))
		s := f.store(t, "item", ByIntField("price_nok"))

		push := func() {
			require.NoError(t, f.backend.Push("item", "create", item("i3", 40)))
			require.NoError(t, f.backend.Push("item", "create", item("i2", 30)))
			require.NoError(t, f.backend.Push("item", "update", item("i3", 45)))
		}

		if beforeSnapshot {
			f.backend.Hold("item")
			done := make(chan error, 1)
			go func() { done <- s.Open(context.Background()) }()
			require.Eventually(t, func() bool { return f.backend.Subscribers("item") == 1 }, time.Second, time.Millisecond)
			push()
			f.backend.Release("item")
			require.NoError(t, <-done)
			f.loop.Drain()
		} else {
			f.open(t, s)
			push()
			f.loop.Drain()
		}
		return s.Snapshot().Items
	}

	early := run(true)
	late := run(false)
	assert.Equal(t, ids(late), ids(early))
	assert.Equal(t, []ir.RecordID{"i2", "i3", "i1"}, ids(early))
	for i := range early {
		assert.Equal(t, late[i].Fields, early[i].Fields)
	}
}

func TestApply_UpsertIsIdempotent(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	require.NoError(t, f.backend.Push("item", "update", item("i1", 55)))
	f.loop.Drain()
	once := s.Snapshot()

	require.NoError(t, f.backend.Push("item", "update", item("i1", 55)))
	f.loop.Drain()
	twice := s.Snapshot()

	assert.Equal(t, once.Items, twice.Items)
	assert.Equal(t, once.Version, twice.Version)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeDuplicate}, f.rec.outcomes(SourceEvent))
}

func TestApply_UpdateOfAbsentIDAppends(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	require.NoError(t, f.backend.Push("item", "update", item("i9", 10)))
	f.loop.Drain()

	assert.Equal(t, []ir.RecordID{"i1", "i9"}, ids(s.Snapshot().Items))
}

func TestApply_DeleteIsIdempotent(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50), item("i2", 30))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	require.NoError(t, f.backend.Push("item", "delete", ir.Object{"id": ir.String("i1")}))
	f.loop.Drain()
	once := s.Snapshot()

	require.NoError(t, f.backend.Push("item", "delete", ir.Object{"id": ir.String("i1")}))
	require.NoError(t, f.backend.Push("item", "delete", ir.Object{"id": ir.String("never")}))
	f.loop.Drain()

	assert.Equal(t, []ir.RecordID{"i2"}, ids(s.Snapshot().Items))
	assert.Equal(t, once.Version, s.Snapshot().Version)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeIgnored, OutcomeIgnored}, f.rec.outcomes(SourceEvent))
}

func TestApply_UpsertAfterDeleteIsIgnored(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	require.NoError(t, f.backend.Push("item", "delete", item("i1", 50)))
	require.NoError(t, f.backend.Push("item", "update", item("i1", 60)))
	f.loop.Drain()

	assert.Empty(t, s.Snapshot().Items)
}

func TestApply_OlderVersionIsStale(t *testing.T) {
	f := newFixture()
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	newer := item("i1", 60)
	newer["updated"] = ir.String("2025-01-01 10:00:02.000Z")
	older := item("i1", 50)
	older["updated"] = ir.String("2025-01-01 10:00:01.000Z")

	require.NoError(t, f.backend.Push("item", "create", newer))
	require.NoError(t, f.backend.Push("item", "update", older))
	f.loop.Drain()

	price, _ := s.Snapshot().Items[0].Fields.Int("price_nok")
	assert.Equal(t, int64(60), price)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeStale}, f.rec.outcomes(SourceEvent))
}

func TestApply_SortedWithIDTieBreak(t *testing.T) {
	f := newFixture()
	f.backend.Seed("category",
		ir.Object{"id": ir.String("c3"), "sort_order": ir.Int(1)},
		ir.Object{"id": ir.String("c1"), "sort_order": ir.Int(2)},
		ir.Object{"id": ir.String("c2"), "sort_order": ir.Int(1)},
	)
	s := f.store(t, "category", ByIntField("sort_order"))
	f.open(t, s)
	assert.Equal(t, []ir.RecordID{"c2", "c3", "c1"}, ids(s.Snapshot().Items))

	require.NoError(t, f.backend.Push("category", "update", ir.Object{"id": ir.String("c1"), "sort_order": ir.Int(0)}))
	f.loop.Drain()
	assert.Equal(t, []ir.RecordID{"c1", "c2", "c3"}, ids(s.Snapshot().Items))
}

func TestApply_RecordWithoutIDIsDropped(t *testing.T) {
	f := newFixture()
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	f.backend.PushRaw("item", "create", []byte(`{"name":"ghost"}`))
	f.backend.PushRaw("item", "upsert", []byte(`{"id":"x"}`))
	f.loop.Drain()

	assert.Empty(t, s.Snapshot().Items)
	assert.Equal(t, []Outcome{OutcomeDropped, OutcomeDropped}, f.rec.outcomes(SourceEvent))
}

func TestOpen_FetchFailure(t *testing.T) {
	f := newFixture()
	f.backend.FailList("order", errors.New("boom"))
	s := f.store(t, "order", ByCreated())

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, IsFetchFailed(err))
	assert.False(t, IsTopicJoinFailed(err))

	require.NoError(t, f.backend.Push("order", "create", ir.Object{"id": ir.String("o1")}))
	f.loop.Drain()

	snap := s.Snapshot()
	assert.Empty(t, snap.Items)
	assert.True(t, snap.Stale)
	assert.Equal(t, 0, f.backend.Subscribers("order"), "topic should be left")
}

func TestOpen_JoinFailureKeepsSnapshotStale(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	f.backend.FailJoin("item", errors.New("unauthorized"))
	s := f.store(t, "item", InsertionOrder)

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, IsTopicJoinFailed(err))
	f.loop.Drain()

	snap := s.Snapshot()
	assert.True(t, snap.Stale)
	assert.Equal(t, []ir.RecordID{"i1"}, ids(snap.Items))
}

func TestOpen_JoinOnlyUsesReplyItems(t *testing.T) {
	f := newFixture()
	f.backend.Seed("status", ir.Object{"id": ir.String("s1"), "open": ir.Bool(true)})
	f.backend.MirrorJoinItems(true)

	s, err := New(Options{Collection: "status", Sort: InsertionOrder, Channel: f.backend, Loop: f.loop, Logger: discard})
	require.NoError(t, err)
	f.open(t, s)

	assert.Equal(t, []ir.RecordID{"s1"}, ids(s.Snapshot().Items))
}

func TestOpen_JoinItemsIgnoredWhenFetched(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	f.backend.MirrorJoinItems(true)
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	assert.Len(t, s.Snapshot().Items, 1)
}

func TestTopicClosedMarksStale(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)
	v := s.Snapshot().Version

	f.backend.Disconnect("item", errors.New("connection lost"))
	f.loop.Drain()

	snap := s.Snapshot()
	assert.True(t, snap.Stale)
	assert.Greater(t, snap.Version, v)
	assert.Len(t, snap.Items, 1)
}

func TestTopicClosedDuringFetchKeepsSnapshotStale(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	f.backend.Hold("item")
	s := f.store(t, "item", InsertionOrder)

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	require.Eventually(t, func() bool { return f.backend.Subscribers("item") == 1 }, time.Second, time.Millisecond)

	f.backend.Disconnect("item", errors.New("connection lost"))
	f.loop.Drain()
	f.backend.Release("item")
	require.NoError(t, <-done)
	f.loop.Drain()

	snap := s.Snapshot()
	assert.True(t, snap.Stale, "snapshot applied after the topic closed must stay stale")
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, 0, f.backend.Subscribers("item"))
}

type gatedChannel struct {
	transport.Channel
	release chan struct{}
}

func (g gatedChannel) Join(ctx context.Context, topic string, params transport.Query, h transport.Handlers) (transport.Subscription, []json.RawMessage, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return g.Channel.Join(ctx, topic, params, h)
}

type signalFetcher struct {
	transport.Fetcher
	listed chan struct{}
}

func (f signalFetcher) List(ctx context.Context, collection string, q transport.Query) ([]json.RawMessage, error) {
	items, err := f.Fetcher.List(ctx, collection, q)
	close(f.listed)
	return items, err
}

func TestOpen_FetchDoesNotWaitForJoinReply(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	release := make(chan struct{})
	listed := make(chan struct{})
	s, err := New(Options{
		Collection: "item",
		Sort:       InsertionOrder,
		Fetcher:    signalFetcher{Fetcher: f.backend, listed: listed},
		Channel:    gatedChannel{Channel: f.backend, release: release},
		Loop:       f.loop,
		Logger:     discard,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()

	select {
	case <-listed:
	case <-time.After(time.Second):
		t.Fatal("fetch waited for the join reply")
	}
	select {
	case <-done:
		t.Fatal("Open returned before the join completed")
	default:
	}

	close(release)
	require.NoError(t, <-done)
	f.loop.Drain()

	snap := s.Snapshot()
	assert.False(t, snap.Stale)
	assert.Equal(t, []ir.RecordID{"i1"}, ids(snap.Items))
	assert.Equal(t, 1, f.backend.Subscribers("item"))
}

func TestGet_FollowsPublishedSnapshot(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50), item("i2", 30))
	s := f.store(t, "item", ByIntField("price_nok"))

	_, ok := s.Get("i1")
	assert.False(t, ok, "nothing published before open")

	f.open(t, s)
	r, ok := s.Get("i1")
	require.True(t, ok)
	price, _ := r.Fields.Int("price_nok")
	assert.Equal(t, int64(50), price)

	require.NoError(t, f.backend.Push("item", "update", item("i1", 10)))
	require.NoError(t, f.backend.Push("item", "create", item("i3", 40)))
	require.NoError(t, f.backend.Push("item", "delete", item("i2", 0)))
	f.loop.Drain()

	r, ok = s.Get("i1")
	require.True(t, ok)
	price, _ = r.Fields.Int("price_nok")
	assert.Equal(t, int64(10), price)
	r, ok = s.Get("i3")
	require.True(t, ok)
	assert.Equal(t, ir.RecordID("i3"), r.ID)
	_, ok = s.Get("i2")
	assert.False(t, ok)
}

func TestClose_DiscardsInFlightFetch(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	f.backend.Hold("item")
	s := f.store(t, "item", InsertionOrder)

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background()) }()
	require.Eventually(t, func() bool { return f.backend.Subscribers("item") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	f.backend.Release("item")
	require.NoError(t, <-done)
	f.loop.Drain()

	assert.Empty(t, s.Snapshot().Items)
	assert.Equal(t, 0, f.backend.Subscribers("item"))
	assert.NotContains(t, f.rec.outcomes(SourceSnapshot), OutcomeApplied)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture()
	never := f.store(t, "item", InsertionOrder)
	require.NoError(t, never.Close())
	require.NoError(t, never.Close())

	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	f.loop.Drain()
	assert.Equal(t, 0, f.backend.Subscribers("item"))

	require.NoError(t, f.backend.Push("item", "create", item("late", 1)))
	f.loop.Drain()
	assert.Empty(t, s.Snapshot().Items)
}

func TestMutation_ResponseThenEchoAppliesOnce(t *testing.T) {
	f := newFixture()
	f.backend.SetEchoMode(memory.EchoAfterResponse)
	s := f.store(t, "message", InsertionOrder)
	f.open(t, s)

	rec, err := s.Create(context.Background(), codec.EncodeMessage(codec.Message{Title: "Hi"}))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	f.loop.Drain()
	afterResponse := s.Snapshot()

	f.backend.FlushEchoes()
	f.loop.Drain()

	assert.Equal(t, afterResponse.Version, s.Snapshot().Version)
	assert.Equal(t, []ir.RecordID{rec.ID}, ids(s.Snapshot().Items))
	assert.Equal(t, []Outcome{OutcomeApplied}, f.rec.outcomes(SourceResponse))
	assert.Equal(t, []Outcome{OutcomeDuplicate}, f.rec.outcomes(SourceEvent))
}

func TestMutation_EchoThenResponseAppliesOnce(t *testing.T) {
	f := newFixture()
	f.backend.SetEchoMode(memory.EchoBeforeResponse)
	s := f.store(t, "message", InsertionOrder)
	f.open(t, s)

	rec, err := s.Create(context.Background(), codec.EncodeMessage(codec.Message{Title: "Hi"}))
	require.NoError(t, err)
	f.loop.Drain()

	assert.Equal(t, []ir.RecordID{rec.ID}, ids(s.Snapshot().Items))
	assert.Equal(t, []Outcome{OutcomeApplied}, f.rec.outcomes(SourceEvent))
	assert.Equal(t, []Outcome{OutcomeDuplicate}, f.rec.outcomes(SourceResponse))

	_, err = s.Update(context.Background(), rec.ID, codec.EncodeMessage(codec.Message{Title: "Hello"}))
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), rec.ID))
	f.loop.Drain()
	assert.Empty(t, s.Snapshot().Items)
}

func TestMutation_FailureLeavesCacheUnchanged(t *testing.T) {
	f := newFixture()
	f.backend.Seed("message", ir.Object{"id": ir.String("m1"), "title": ir.String("Hi")})
	s := f.store(t, "message", InsertionOrder)
	f.open(t, s)
	before := s.Snapshot()

	f.backend.FailRequests(&transport.StatusError{Method: "PATCH", Code: 500, Body: "down"})
	_, err := s.Update(context.Background(), "m1", codec.EncodeMessage(codec.Message{Title: "Bye"}))
	require.Error(t, err)
	assert.True(t, IsRequestFailed(err))

	var se *transport.StatusError
	assert.ErrorAs(t, err, &se)

	f.loop.Drain()
	assert.Equal(t, before, s.Snapshot())
}

func TestSubscribe_ReceivesSnapshots(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)

	var seen []int
	unsubscribe := s.Subscribe(func(snap Snapshot[ir.Record]) { seen = append(seen, snap.Len()) })
	f.open(t, s)

	require.NoError(t, f.backend.Push("item", "create", item("i2", 30)))
	f.loop.Drain()
	unsubscribe()
	require.NoError(t, f.backend.Push("item", "create", item("i3", 30)))
	f.loop.Drain()

	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestTyped_MemoizedByVersion(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", ir.Object{"id": ir.String("i1"), "name": ir.String("Latte"), "price_nok": ir.Int(50)})
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	typed := NewTyped(s, codec.Items)
	a := typed.Snapshot()
	b := typed.Snapshot()
	require.Len(t, a.Items, 1)
	assert.Equal(t, "Latte", a.Items[0].Name)
	assert.Equal(t, codec.Money(50), a.Items[0].Price)
	assert.Same(t, &a.Items[0], &b.Items[0])
}

func TestObserver_SnapshotEventCarriesRecords(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	s := f.store(t, "item", InsertionOrder)
	f.open(t, s)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var snapEvents []Event
	for _, e := range f.rec.events {
		if e.Source == SourceSnapshot {
			snapEvents = append(snapEvents, e)
		}
	}
	require.Len(t, snapEvents, 1)
	assert.Equal(t, []ir.RecordID{"i1"}, ids(snapEvents[0].Records))
	require.NotEmpty(t, f.rec.states)
	assert.Equal(t, 1, f.rec.states[len(f.rec.states)-1].Size)
}
