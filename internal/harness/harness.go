package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport/memory"
)

// heldOpenTimeout bounds the wait for a held open to join its topic.
const heldOpenTimeout = 2 * time.Second

// Harness executes one scenario against a fresh memory backend.
type Harness struct {
	backend *memory.Backend
	loop    *collection.Loop
	stores  map[string]*collection.Store
	specs   map[string]StoreSpec
	logger  *slog.Logger

	// pending holds opens blocked on a held fetch, by collection.
	pending map[string]chan error

	mu    sync.Mutex
	step  int
	seq   int64
	trace []TraceEvent
}

// Run executes a scenario and returns its result. An error is returned
// only when the scenario itself is malformed; failed expectations are
// recorded in the result.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		backend: memory.New(),
		stores:  make(map[string]*collection.Store),
		specs:   make(map[string]StoreSpec),
		pending: make(map[string]chan error),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.loop = collection.NewLoop(h.logger)
	h.backend.MirrorJoinItems(scenario.MirrorJoinItems)

	for coll, recs := range scenario.Seed {
		for i, r := range recs {
			obj, err := toObject(r)
			if err != nil {
				return nil, fmt.Errorf("seed %s[%d]: %w", coll, i, err)
			}
			h.backend.Seed(coll, obj)
		}
	}

	for _, spec := range scenario.Stores {
		if err := h.newStore(spec); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.mu.Lock()
		h.step = i + 1
		h.mu.Unlock()

		err := h.execute(ctx, step)
		h.loop.Drain()
		if msg := checkExpectation(step.ExpectError, err); msg != "" {
			result.AddError(fmt.Sprintf("step %d: %s", i+1, msg))
		}
	}

	for coll, ch := range h.pending {
		h.backend.Release(coll)
		<-ch
	}
	h.loop.Drain()

	h.mu.Lock()
	result.Trace = slices.Clone(h.trace)
	h.mu.Unlock()
	result.State = h.finalState()

	actx := &AssertionContext{Backend: h.backend, Records: make(map[string][]ir.Record, len(h.stores))}
	for name, s := range h.stores {
		actx.Records[name] = s.Snapshot().Items
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	for _, s := range h.stores {
		_ = s.Close()
	}
	h.loop.Drain()
	return result, nil
}

func (h *Harness) newStore(spec StoreSpec) error {
	sort, err := collection.ParseSort(spec.Sort)
	if err != nil {
		return fmt.Errorf("store %s: %w", spec.Collection, err)
	}
	opts := collection.Options{
		Collection: spec.Collection,
		Query:      spec.Query,
		Sort:       sort,
		Fetcher:    h.backend,
		Channel:    h.backend,
		Loop:       h.loop,
		Observer:   h,
		Logger:     h.logger,
	}
	if spec.JoinOnly {
		opts.Fetcher = nil
	}
	s, err := collection.New(opts)
	if err != nil {
		return err
	}
	h.stores[spec.Collection] = s
	h.specs[spec.Collection] = spec
	return nil
}

// Observe implements collection.Observer.
func (h *Harness) Observe(e collection.Event) {
	te := TraceEvent{
		Type:       "event",
		Collection: e.Collection,
		Source:     string(e.Source),
		ID:         string(e.ID),
		Outcome:    string(e.Outcome),
		Version:    e.Version,
	}
	if e.Action != 0 {
		te.Action = e.Action.String()
	}
	h.record(te)
}

// ObserveState implements collection.Observer.
func (h *Harness) ObserveState(s collection.State) {
	h.record(TraceEvent{
		Type:       "state",
		Collection: s.Collection,
		Version:    s.Version,
		Size:       s.Size,
		Stale:      s.Stale,
	})
}

func (h *Harness) record(e TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.Seq = h.seq
	e.Step = h.step
	h.trace = append(h.trace, e)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Open != "":
		return h.open(ctx, step.Open)
	case step.Close != "":
		return h.stores[step.Close].Close()
	case step.Push != nil:
		obj, err := toObject(step.Push.Record)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		return h.backend.Push(step.Push.Collection, step.Push.Action, obj)
	case step.PushRaw != nil:
		h.backend.PushRaw(step.PushRaw.Collection, step.PushRaw.Action, json.RawMessage(step.PushRaw.Raw))
		return nil
	case step.Create != nil:
		fields, err := toObject(step.Create.Fields)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		_, err = h.stores[step.Create.Collection].Create(ctx, codec.Payload{Fields: fields})
		return err
	case step.Update != nil:
		fields, err := toObject(step.Update.Fields)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		_, err = h.stores[step.Update.Collection].Update(ctx, ir.RecordID(step.Update.ID), codec.Payload{Fields: fields})
		return err
	case step.Delete != nil:
		return h.stores[step.Delete.Collection].Delete(ctx, ir.RecordID(step.Delete.ID))
	case step.Hold != "":
		h.backend.Hold(step.Hold)
		return nil
	case step.Release != "":
		h.backend.Release(step.Release)
		if ch, ok := h.pending[step.Release]; ok {
			delete(h.pending, step.Release)
			return <-ch
		}
		return nil
	case step.FailList != nil:
		h.backend.FailList(step.FailList.Collection, stepError(step.FailList.Error))
		return nil
	case step.FailJoin != nil:
		h.backend.FailJoin(step.FailJoin.Collection, stepError(step.FailJoin.Error))
		return nil
	case step.FailRequests != "":
		if step.FailRequests == "off" {
			h.backend.FailRequests(nil)
		} else {
			h.backend.FailRequests(errors.New(step.FailRequests))
		}
		return nil
	case step.Disconnect != "":
		h.backend.Disconnect(step.Disconnect, errors.New("socket closed"))
		return nil
	case step.Echo != "":
		h.backend.SetEchoMode(echoMode(step.Echo))
		return nil
	case step.FlushEchoes:
		h.backend.FlushEchoes()
		return nil
	}
	return errors.New("step has no operation")
}

// open runs Open synchronously unless the fetch is held; a held open runs
// in the background until its release step, once it has joined the topic.
func (h *Harness) open(ctx context.Context, coll string) error {
	s := h.stores[coll]
	if !h.backend.Held(coll) || h.specs[coll].JoinOnly {
		return s.Open(ctx)
	}

	ch := make(chan error, 1)
	go func() { ch <- s.Open(ctx) }()
	h.pending[coll] = ch

	deadline := time.Now().Add(heldOpenTimeout)
	for h.backend.Subscribers(coll) == 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("open %s: topic not joined", coll)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (h *Harness) finalState() []CacheState {
	names := make([]string, 0, len(h.stores))
	for name := range h.stores {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]CacheState, 0, len(names))
	for _, name := range names {
		snap := h.stores[name].Snapshot()
		ids := make([]string, len(snap.Items))
		for i, r := range snap.Items {
			ids[i] = string(r.ID)
		}
		out = append(out, CacheState{Collection: name, IDs: ids, Version: snap.Version, Stale: snap.Stale})
	}
	return out
}

func checkExpectation(kind string, err error) string {
	switch {
	case kind == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case kind == "":
		return ""
	case err == nil:
		return fmt.Sprintf("expected %s error, got none", kind)
	case kind == "any":
		return ""
	}
	var cerr *collection.Error
	if !errors.As(err, &cerr) {
		return fmt.Sprintf("expected %s error, got %v", kind, err)
	}
	for _, check := range []struct {
		kind collection.ErrorKind
		is   func(error) bool
	}{
		{collection.KindFetchFailed, collection.IsFetchFailed},
		{collection.KindTopicJoinFailed, collection.IsTopicJoinFailed},
		{collection.KindRequestFailed, collection.IsRequestFailed},
		{collection.KindDecodeSkipped, collection.IsDecodeSkipped},
	} {
		if string(check.kind) == kind && check.is(err) {
			return ""
		}
	}
	return fmt.Sprintf("expected %s error, got %v", kind, err)
}

func stepError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func echoMode(name string) memory.EchoMode {
	switch name {
	case "after_response":
		return memory.EchoAfterResponse
	case "none":
		return memory.EchoNone
	default:
		return memory.EchoBeforeResponse
	}
}

// toObject converts decoded YAML to a wire object.
func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
