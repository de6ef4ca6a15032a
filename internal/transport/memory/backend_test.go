package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

type recorder struct {
	changes []transport.Change
	closed  []error
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnChange: func(c transport.Change) { r.changes = append(r.changes, c) },
		OnClose:  func(err error) { r.closed = append(r.closed, err) },
	}
}

func (r *recorder) actions() []string {
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Action
	}
	return out
}

func join(t *testing.T, b *Backend, collection string) (*recorder, transport.Subscription) {
	t.Helper()
	r := &recorder{}
	sub, items, err := b.Join(context.Background(), transport.Topic(collection), nil, r.handlers())
	require.NoError(t, err)
	assert.Empty(t, items)
	return r, sub
}

func payload(kv ...any) codec.Payload {
	fields := ir.Object{}
	for i := 0; i < len(kv); i += 2 {
		fields[kv[i].(string)] = ir.String(kv[i+1].(string))
	}
	return codec.Payload{Fields: fields}
}

func TestList_FiltersByQuery(t *testing.T) {
	b := New()
	b.Seed(codec.CollectionOrder,
		ir.Object{"id": ir.String("o1"), "state": ir.String("received"), "created": ir.String("2024-12-31 23:00:00.000Z")},
		ir.Object{"id": ir.String("o2"), "state": ir.String("completed"), "created": ir.String("2025-01-01 08:00:00.000Z")},
		ir.Object{"id": ir.String("o3"), "state": ir.String("received"), "created": ir.String("2025-01-01 09:00:00.000Z")},
	)
	ctx := context.Background()

	all, err := b.List(ctx, codec.CollectionOrder, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	today, err := b.List(ctx, codec.CollectionOrder, transport.Query{"from_date": "2025-01-01"})
	require.NoError(t, err)
	require.Len(t, today, 2)
	assert.JSONEq(t, `{"id":"o2","state":"completed","created":"2025-01-01 08:00:00.000Z"}`, string(today[0]))

	received, err := b.List(ctx, codec.CollectionOrder, transport.Query{"from_date": "2025-01-01", "state": "received"})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Contains(t, string(received[0]), `"o3"`)
}

func TestCreate_StampsAndEchoesBeforeResponse(t *testing.T) {
	b := New()
	r, _ := join(t, b, codec.CollectionMessage)

	data, err := b.Create(context.Background(), codec.CollectionMessage, payload("title", "Hei"))
	require.NoError(t, err)

	var obj map[string]string
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "message-1", obj["id"])
	assert.Equal(t, "2025-01-01 00:00:00.001Z", obj["created"])
	assert.Equal(t, obj["created"], obj["updated"])

	assert.Equal(t, []string{"create"}, r.actions(), "echo delivered before Create returned")
	assert.Equal(t, 1, b.Requests("POST message"))
	assert.Len(t, b.Records(codec.CollectionMessage), 1)
}

func TestEchoAfterResponse_QueuedUntilFlush(t *testing.T) {
	b := New()
	b.SetEchoMode(EchoAfterResponse)
	r, _ := join(t, b, codec.CollectionMessage)
	ctx := context.Background()

	_, err := b.Create(ctx, codec.CollectionMessage, payload("title", "Hei"))
	require.NoError(t, err)
	_, err = b.Update(ctx, codec.CollectionMessage, "message-1", payload("subtitle", "Kaffe"))
	require.NoError(t, err)
	assert.Empty(t, r.changes)

	b.FlushEchoes()
	assert.Equal(t, []string{"create", "update"}, r.actions())

	b.FlushEchoes()
	assert.Len(t, r.changes, 2)
}

func TestEchoNone(t *testing.T) {
	b := New()
	b.SetEchoMode(EchoNone)
	r, _ := join(t, b, codec.CollectionMessage)

	_, err := b.Create(context.Background(), codec.CollectionMessage, payload("title", "Hei"))
	require.NoError(t, err)
	b.FlushEchoes()
	assert.Empty(t, r.changes)
}

func TestUpdateAndDelete_UnknownID(t *testing.T) {
	b := New()
	ctx := context.Background()

	_, err := b.Update(ctx, codec.CollectionItem, "nope", payload("name", "x"))
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)

	err = b.Delete(ctx, codec.CollectionItem, "nope")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "DELETE", se.Method)
}

func TestFailRequests_CountsAndClears(t *testing.T) {
	b := New()
	boom := errors.New("boom")
	b.FailRequests(boom)

	_, err := b.Create(context.Background(), codec.CollectionMessage, payload("title", "Hei"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Requests("POST message"))
	assert.Empty(t, b.Records(codec.CollectionMessage))

	b.FailRequests(nil)
	_, err = b.Create(context.Background(), codec.CollectionMessage, payload("title", "Hei"))
	require.NoError(t, err)
	p, ok := b.LastPayload("POST message")
	require.True(t, ok)
	assert.Equal(t, ir.String("Hei"), p.Fields["title"])
}

func TestFailListAndJoin(t *testing.T) {
	b := New()
	boom := errors.New("down")
	ctx := context.Background()

	b.FailList(codec.CollectionStatus, boom)
	_, err := b.List(ctx, codec.CollectionStatus, nil)
	assert.ErrorIs(t, err, boom)
	b.FailList(codec.CollectionStatus, nil)
	_, err = b.List(ctx, codec.CollectionStatus, nil)
	assert.NoError(t, err)

	b.FailJoin(codec.CollectionStatus, boom)
	_, _, err = b.Join(ctx, transport.Topic(codec.CollectionStatus), nil, transport.Handlers{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.Subscribers(codec.CollectionStatus))
}

func TestHold_BlocksListUntilRelease(t *testing.T) {
	b := New()
	b.Seed(codec.CollectionItem, ir.Object{"id": ir.String("latte")})
	b.Hold(codec.CollectionItem)
	assert.True(t, b.Held(codec.CollectionItem))

	done := make(chan []json.RawMessage)
	go func() {
		items, _ := b.List(context.Background(), codec.CollectionItem, nil)
		done <- items
	}()

	select {
	case <-done:
		t.Fatal("List returned while held")
	case <-time.After(20 * time.Millisecond):
	}

	b.Release(codec.CollectionItem)
	assert.Len(t, <-done, 1)
	assert.False(t, b.Held(codec.CollectionItem))
}

func TestHold_ContextCancel(t *testing.T) {
	b := New()
	b.Hold(codec.CollectionItem)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.List(ctx, codec.CollectionItem, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushLeaveAndDisconnect(t *testing.T) {
	b := New()
	r1, sub1 := join(t, b, codec.CollectionItem)
	r2, _ := join(t, b, codec.CollectionItem)
	other, _ := join(t, b, codec.CollectionCategory)
	assert.Equal(t, 2, b.Subscribers(codec.CollectionItem))

	require.NoError(t, b.Push(codec.CollectionItem, "update", ir.Object{"id": ir.String("latte")}))
	assert.Len(t, r1.changes, 1)
	assert.Len(t, r2.changes, 1)
	assert.Empty(t, other.changes)

	require.NoError(t, sub1.Leave())
	require.NoError(t, sub1.Leave())
	b.PushRaw(codec.CollectionItem, "delete", json.RawMessage(`{"id":"latte"}`))
	assert.Len(t, r1.changes, 1)
	assert.Equal(t, []string{"update", "delete"}, r2.actions())

	lost := errors.New("connection lost")
	b.Disconnect(codec.CollectionItem, lost)
	assert.Empty(t, r1.closed, "left subscriptions are not closed")
	assert.Equal(t, []error{lost}, r2.closed)
	assert.Zero(t, b.Subscribers(codec.CollectionItem))
	assert.Equal(t, 1, b.Subscribers(codec.CollectionCategory))
}

func TestMirrorJoinItems(t *testing.T) {
	b := New()
	b.Seed(codec.CollectionStatus, ir.Object{"id": ir.String("s1"), "open": ir.Bool(true)})
	b.MirrorJoinItems(true)

	_, items, err := b.Join(context.Background(), transport.Topic(codec.CollectionStatus), nil, transport.Handlers{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":"s1","open":true}`, string(items[0]))
}
