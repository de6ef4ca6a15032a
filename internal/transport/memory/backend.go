// Package memory is an in-process backend implementing both
// transport.Fetcher and transport.Channel. It lets tests and the scenario
// harness control exactly when snapshots resolve and change events arrive.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// EchoMode controls when a mutation's change event is delivered relative to
// its response.
type EchoMode int

const (
	// EchoBeforeResponse delivers the change event before the request
	// returns.
	EchoBeforeResponse EchoMode = iota
	// EchoAfterResponse queues the change event until FlushEchoes.
	EchoAfterResponse
	// EchoNone never echoes mutations.
	EchoNone
)

type subscriber struct {
	id       int
	topic    string
	params   transport.Query
	handlers transport.Handlers
	left     bool
}

// Backend is a fake server. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	records map[string][]ir.Object // wire objects per collection, insertion order
	nextID  int
	tick    int

	subs    map[int]*subscriber
	nextSub int

	holds     map[string]chan struct{}
	listErr   map[string]error
	joinErr   map[string]error
	reqErr    error
	joinItems bool

	echo    EchoMode
	pending []func()

	// Requests counts mutation calls by "METHOD collection".
	requests map[string]int
	// Last payload per "METHOD collection".
	payloads map[string]codec.Payload
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		records:  make(map[string][]ir.Object),
		subs:     make(map[int]*subscriber),
		holds:    make(map[string]chan struct{}),
		listErr:  make(map[string]error),
		joinErr:  make(map[string]error),
		requests: make(map[string]int),
		payloads: make(map[string]codec.Payload),
	}
}

// Seed stores wire records without emitting events. Each record must carry
// an "id".
func (b *Backend) Seed(collection string, records ...ir.Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range records {
		b.records[collection] = append(b.records[collection], r.Clone())
	}
}

// SetEchoMode selects when mutation echoes are delivered.
func (b *Backend) SetEchoMode(m EchoMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.echo = m
}

// MirrorJoinItems makes join replies carry the current records, as the
// production server does.
func (b *Backend) MirrorJoinItems(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinItems = on
}

// Hold makes List for collection block until Release.
func (b *Backend) Hold(collection string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.holds[collection]; !ok {
		b.holds[collection] = make(chan struct{})
	}
}

// Release unblocks held List calls for collection.
func (b *Backend) Release(collection string) {
	b.mu.Lock()
	ch, ok := b.holds[collection]
	delete(b.holds, collection)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Held reports whether List for collection is blocked.
func (b *Backend) Held(collection string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.holds[collection]
	return ok
}

// FailList makes List for collection return err. A nil err clears it.
func (b *Backend) FailList(collection string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.listErr, collection)
		return
	}
	b.listErr[collection] = err
}

// FailJoin makes joins of the collection topic fail with err.
func (b *Backend) FailJoin(collection string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.joinErr, collection)
		return
	}
	b.joinErr[collection] = err
}

// FailRequests makes every mutation fail with err until cleared with nil.
func (b *Backend) FailRequests(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqErr = err
}

// Requests returns how many times "METHOD collection" was called.
func (b *Backend) Requests(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[key]
}

// LastPayload returns the last payload sent as "METHOD collection".
func (b *Backend) LastPayload(key string) (codec.Payload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.payloads[key]
	return p, ok
}

// Records returns a copy of the stored wire records of collection.
func (b *Backend) Records(collection string) []ir.Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ir.Object, len(b.records[collection]))
	for i, r := range b.records[collection] {
		out[i] = r.Clone()
	}
	return out
}

// List implements transport.Fetcher. Query parameters naming a stored
// field filter by equality; from_date keeps records created on or after
// the given date.
func (b *Backend) List(ctx context.Context, collection string, q transport.Query) ([]json.RawMessage, error) {
	b.mu.Lock()
	hold := b.holds[collection]
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.listErr[collection]; err != nil {
		return nil, err
	}
	return b.matching(collection, q)
}

func (b *Backend) matching(collection string, q transport.Query) ([]json.RawMessage, error) {
	out := []json.RawMessage{}
	for _, r := range b.records[collection] {
		if !matches(r, q) {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func matches(r ir.Object, q transport.Query) bool {
	for k, want := range q {
		if k == "from_date" {
			created, _ := r.Str("created")
			if created < want {
				return false
			}
			continue
		}
		v, ok := r[k]
		if !ok {
			continue
		}
		if s, isStr := v.(ir.String); isStr && string(s) != want {
			return false
		}
	}
	return true
}

func (b *Backend) record(method, collection string, p codec.Payload) error {
	key := method + " " + collection
	b.requests[key]++
	b.payloads[key] = p
	return b.reqErr
}

func (b *Backend) stamp() string {
	b.tick++
	return fmt.Sprintf("2025-01-01 00:00:%02d.%03dZ", (b.tick/1000)%60, b.tick%1000)
}

// Create implements transport.Fetcher.
func (b *Backend) Create(_ context.Context, collection string, p codec.Payload) (json.RawMessage, error) {
	b.mu.Lock()
	if err := b.record("POST", collection, p); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	obj := p.Fields.Clone()
	if obj == nil {
		obj = ir.Object{}
	}
	obj["id"] = ir.String(fmt.Sprintf("%s-%d", collection, b.nextID))
	ts := b.stamp()
	obj["created"] = ir.String(ts)
	obj["updated"] = ir.String(ts)
	for _, f := range p.Files {
		obj[f.Field] = ir.String(f.Name)
	}
	b.records[collection] = append(b.records[collection], obj)
	return b.respond(collection, "create", obj)
}

// Update implements transport.Fetcher.
func (b *Backend) Update(_ context.Context, collection string, id ir.RecordID, p codec.Payload) (json.RawMessage, error) {
	b.mu.Lock()
	if err := b.record("PATCH", collection, p); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	idx := b.indexOf(collection, id)
	if idx < 0 {
		b.mu.Unlock()
		return nil, &transport.StatusError{Method: "PATCH", URL: collection + "/" + string(id), Code: 404, Body: "not found"}
	}
	obj := b.records[collection][idx].Clone()
	for k, v := range p.Fields {
		obj[k] = v
	}
	obj["updated"] = ir.String(b.stamp())
	b.records[collection][idx] = obj
	return b.respond(collection, "update", obj)
}

// Delete implements transport.Fetcher.
func (b *Backend) Delete(_ context.Context, collection string, id ir.RecordID) error {
	b.mu.Lock()
	if err := b.record("DELETE", collection, codec.Payload{}); err != nil {
		b.mu.Unlock()
		return err
	}
	idx := b.indexOf(collection, id)
	if idx < 0 {
		b.mu.Unlock()
		return &transport.StatusError{Method: "DELETE", URL: collection + "/" + string(id), Code: 404, Body: "not found"}
	}
	obj := b.records[collection][idx]
	b.records[collection] = append(b.records[collection][:idx:idx], b.records[collection][idx+1:]...)
	_, err := b.respond(collection, "delete", obj)
	return err
}

// respond marshals obj, schedules the echo and releases b.mu.
func (b *Backend) respond(collection, action string, obj ir.Object) (json.RawMessage, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	deliver := b.deliveries(collection, transport.Change{Action: action, Record: data})
	switch b.echo {
	case EchoAfterResponse:
		b.pending = append(b.pending, deliver)
		b.mu.Unlock()
	case EchoNone:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		deliver()
	}
	return data, nil
}

// FlushEchoes delivers queued mutation echoes in order.
func (b *Backend) FlushEchoes() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (b *Backend) indexOf(collection string, id ir.RecordID) int {
	for i, r := range b.records[collection] {
		if got, _ := r.Str("id"); got == string(id) {
			return i
		}
	}
	return -1
}

// deliveries captures the current subscribers of collection so the event
// can be sent after b.mu is released.
func (b *Backend) deliveries(collection string, c transport.Change) func() {
	topic := transport.Topic(collection)
	var targets []*subscriber
	for _, s := range b.subs {
		if s.topic == topic && !s.left {
			targets = append(targets, s)
		}
	}
	return func() {
		for _, s := range targets {
			b.mu.Lock()
			left := s.left
			b.mu.Unlock()
			if !left && s.handlers.OnChange != nil {
				s.handlers.OnChange(c)
			}
		}
	}
}

// Push delivers a change event for collection to every subscriber without
// touching stored records.
func (b *Backend) Push(collection, action string, record ir.Object) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.PushRaw(collection, action, data)
	return nil
}

// PushRaw delivers a raw change event.
func (b *Backend) PushRaw(collection, action string, record json.RawMessage) {
	b.mu.Lock()
	deliver := b.deliveries(collection, transport.Change{Action: action, Record: record})
	b.mu.Unlock()
	deliver()
}

// Disconnect closes every subscription of collection with err, as a
// dropped connection would.
func (b *Backend) Disconnect(collection string, err error) {
	topic := transport.Topic(collection)
	b.mu.Lock()
	var closed []*subscriber
	for id, s := range b.subs {
		if s.topic == topic && !s.left {
			s.left = true
			delete(b.subs, id)
			closed = append(closed, s)
		}
	}
	b.mu.Unlock()
	for _, s := range closed {
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(err)
		}
	}
}

// Subscribers returns the number of live subscriptions on collection.
func (b *Backend) Subscribers(collection string) int {
	topic := transport.Topic(collection)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.topic == topic && !s.left {
			n++
		}
	}
	return n
}

// Join implements transport.Channel.
func (b *Backend) Join(ctx context.Context, topic string, params transport.Query, h transport.Handlers) (transport.Subscription, []json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	collection := strings.TrimPrefix(topic, "collection:")

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.joinErr[collection]; err != nil {
		return nil, nil, err
	}
	b.nextSub++
	s := &subscriber{id: b.nextSub, topic: topic, params: params.Clone(), handlers: h}
	b.subs[s.id] = s

	items := []json.RawMessage{}
	if b.joinItems {
		var err error
		items, err = b.matching(collection, params)
		if err != nil {
			return nil, nil, err
		}
	}
	return &subscription{backend: b, sub: s}, items, nil
}

type subscription struct {
	backend *Backend
	sub     *subscriber
}

// Leave implements transport.Subscription.
func (s *subscription) Leave() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.sub.left = true
	delete(s.backend.subs, s.sub.id)
	return nil
}
