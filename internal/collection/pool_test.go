package collection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

func newTestPool(f *fixture) *Pool {
	return NewPool(Options{
		Fetcher:  f.backend,
		Channel:  f.backend,
		Loop:     f.loop,
		Observer: f.rec,
		Logger:   discard,
	})
}

func TestPool_SharesStoreForSameKey(t *testing.T) {
	f := newFixture()
	f.backend.Seed("item", item("i1", 50))
	p := newTestPool(f)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "item", nil, InsertionOrder)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "item", transport.Query{}, InsertionOrder)
	require.NoError(t, err)
	f.loop.Drain()

	assert.Same(t, a.Store(), b.Store())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, f.backend.Subscribers("item"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, p.Len(), "store stays while a handle remains")
	assert.Equal(t, 1, f.backend.Subscribers("item"))

	require.NoError(t, b.Close())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, f.backend.Subscribers("item"))
}

func TestPool_DistinctQueriesAndSorts(t *testing.T) {
	f := newFixture()
	p := newTestPool(f)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "order", transport.Query{"from_date": "2025-01-01"}, ByCreated())
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "order", transport.Query{"from_date": "2025-01-02"}, ByCreated())
	require.NoError(t, err)
	c, err := p.Acquire(ctx, "order", transport.Query{"from_date": "2025-01-01"}, InsertionOrder)
	require.NoError(t, err)

	assert.NotSame(t, a.Store(), b.Store())
	assert.NotSame(t, a.Store(), c.Store())
	assert.Equal(t, 3, p.Len())

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, f.backend.Subscribers("order"))
}

func TestPool_FetchFailureIsNotShared(t *testing.T) {
	f := newFixture()
	f.backend.FailList("item", errors.New("down"))
	p := newTestPool(f)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "item", nil, InsertionOrder)
	require.Error(t, err)
	assert.True(t, IsFetchFailed(err))
	require.NotNil(t, first)
	assert.Equal(t, 0, p.Len())

	f.backend.FailList("item", nil)
	f.backend.Seed("item", item("i1", 50))
	second, err := p.Acquire(ctx, "item", nil, InsertionOrder)
	require.NoError(t, err)
	f.loop.Drain()

	assert.NotSame(t, first.Store(), second.Store())
	assert.Equal(t, []ir.RecordID{"i1"}, ids(second.Store().Snapshot().Items))
	require.NoError(t, first.Close())
	assert.Equal(t, 1, p.Len())
}
