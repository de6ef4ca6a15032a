package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/cart"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/testutil"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
	"github.com/Kaffe-diem/kaffediem/internal/transport/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func order(id, state, created string) ir.Object {
	return ir.Object{
		"id":      ir.String(id),
		"state":   ir.String(state),
		"created": ir.String(created),
		"day_id":  ir.Int(1),
	}
}

type fixture struct {
	backend *memory.Backend
	loop    *collection.Loop
	service *Service
	created []codec.Order
}

func open(t *testing.T, seed ...ir.Object) *fixture {
	t.Helper()
	f := &fixture{backend: memory.New(), loop: collection.NewLoop(discard)}
	f.backend.Seed(codec.CollectionOrder, seed...)
	pool := collection.NewPool(collection.Options{Fetcher: f.backend, Channel: f.backend, Loop: f.loop, Logger: discard})

	clock := testutil.NewManualClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), Options{
		Pool:     pool,
		Now:      clock.Now,
		OnCreate: func(o codec.Order) { f.created = append(f.created, o) },
		UndoIDs:  testutil.NewSequenceIDs("undo"),
		Logger:   discard,
	})
	require.NoError(t, err)
	f.loop.Drain()
	f.service = s
	t.Cleanup(func() { _ = s.Close() })
	return f
}

func (f *fixture) state(t *testing.T, id ir.RecordID) codec.OrderState {
	t.Helper()
	for _, o := range f.service.Orders().Items {
		if o.ID == id {
			return o.State
		}
	}
	t.Fatalf("order %s not cached", id)
	return ""
}

func TestOpen_OnlyToday(t *testing.T) {
	f := open(t,
		order("o-old", "completed", "2024-12-31 23:59:59.000Z"),
		order("o1", "received", "2025-01-01 07:00:00.000Z"),
	)

	items := f.service.Orders().Items
	require.Len(t, items, 1)
	assert.Equal(t, ir.RecordID("o1"), items[0].ID)
	assert.Empty(t, f.created, "snapshot orders are not announced")
}

func TestCreate_PayloadAndAnnouncement(t *testing.T) {
	f := open(t)
	lines := []cart.DraftLine{{
		Item: "latte",
		Customizations: []cart.DraftCustomization{
			{Key: "size", Values: []ir.RecordID{"large"}},
			{Key: "milk", Values: []ir.RecordID{"oat"}},
		},
	}}

	o, err := f.service.Create(context.Background(), "42", lines, true)
	require.NoError(t, err)
	assert.Equal(t, codec.OrderReceived, o.State)
	f.loop.Drain()

	p, ok := f.backend.LastPayload("POST order")
	require.True(t, ok)
	assert.Equal(t, ir.Int(42), p.Fields["customer_id"])
	assert.Equal(t, ir.String("received"), p.Fields["state"])
	assert.Equal(t, ir.Bool(true), p.Fields["missing_information"])
	assert.Equal(t, ir.Array{ir.Object{
		"item": ir.String("latte"),
		"customizations": ir.Array{
			ir.Object{"key": ir.String("size"), "value": ir.Array{ir.String("large")}},
			ir.Object{"key": ir.String("milk"), "value": ir.Array{ir.String("oat")}},
		},
	}}, p.Fields["items"])

	require.Len(t, f.created, 1)
	assert.Equal(t, o.ID, f.created[0].ID)
}

func TestCreatePayload_CustomerID(t *testing.T) {
	p, err := CreatePayload("user-abc", nil, false)
	require.NoError(t, err)
	assert.Equal(t, ir.String("user-abc"), p.Fields["customer_id"])
	assert.Equal(t, ir.Array{}, p.Fields["items"])

	_, err = CreatePayload("  ", nil, false)
	assert.ErrorIs(t, err, ErrInvalidCustomer)
}

func TestUpdateState_RecordsUndo(t *testing.T) {
	f := open(t, order("o1", "received", "2025-01-01 07:00:00.000Z"))
	ctx := context.Background()

	require.NoError(t, f.service.UpdateState(ctx, "o1", codec.OrderProduction))
	f.loop.Drain()
	require.NoError(t, f.service.UpdateState(ctx, "o1", codec.OrderCompleted))
	f.loop.Drain()
	assert.Equal(t, codec.OrderCompleted, f.state(t, "o1"))
	assert.Equal(t, 2, f.service.Undo().Len())

	ok, err := f.service.UndoLast(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	f.loop.Drain()
	assert.Equal(t, codec.OrderProduction, f.state(t, "o1"))

	ok, err = f.service.UndoLast(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	f.loop.Drain()
	assert.Equal(t, codec.OrderReceived, f.state(t, "o1"))

	ok, err = f.service.UndoLast(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, f.backend.Requests("PATCH order"))
}

func TestUpdateState_FailureDiscardsUndo(t *testing.T) {
	f := open(t, order("o1", "received", "2025-01-01 07:00:00.000Z"))
	f.backend.FailRequests(&transport.StatusError{Method: "PATCH", Code: 503})

	err := f.service.UpdateState(context.Background(), "o1", codec.OrderProduction)
	require.Error(t, err)
	assert.True(t, collection.IsRequestFailed(err))
	assert.Equal(t, 0, f.service.Undo().Len())
	assert.Equal(t, codec.OrderReceived, f.state(t, "o1"))
}

func TestUpdateState_UncachedOrderHasNoUndo(t *testing.T) {
	f := open(t)
	err := f.service.UpdateState(context.Background(), "ghost", codec.OrderCompleted)
	require.Error(t, err)

	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 404, se.Code)
	assert.Equal(t, 0, f.service.Undo().Len())
}

func TestSetAll(t *testing.T) {
	f := open(t,
		order("o1", "received", "2025-01-01 07:00:00.000Z"),
		order("o2", "production", "2025-01-01 07:01:00.000Z"),
	)

	require.NoError(t, f.service.SetAll(context.Background(), codec.OrderDispatched))
	f.loop.Drain()

	for _, o := range f.service.Orders().Items {
		assert.Equal(t, codec.OrderDispatched, o.State, o.ID)
	}
	assert.Equal(t, 0, f.service.Undo().Len(), "bulk changes are not undoable")
}

func TestSetAll_JoinsFailures(t *testing.T) {
	f := open(t,
		order("o1", "received", "2025-01-01 07:00:00.000Z"),
		order("o2", "received", "2025-01-01 07:01:00.000Z"),
	)
	f.backend.FailRequests(errors.New("down"))

	err := f.service.SetAll(context.Background(), codec.OrderCompleted)
	require.Error(t, err)
	assert.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 2)
}
