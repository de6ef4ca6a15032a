package collection

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// Pool shares one Store per (collection, query, sort) among consumers.
// Every consumer goes through the same Store, so all mutation of a shared
// cache still funnels through its single loop.
type Pool struct {
	base Options

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	store *Store
	refs  int
	// opened is closed when the first Open finished; err is its result.
	opened chan struct{}
	err    error
}

// NewPool returns a pool creating stores from base. Collection, Query and
// Sort are supplied per Acquire.
func NewPool(base Options) *Pool {
	return &Pool{base: base, entries: make(map[string]*poolEntry)}
}

// Handle is one consumer's reference to a shared Store.
type Handle struct {
	pool  *Pool
	key   string
	entry *poolEntry
	store *Store
	once  sync.Once
}

// Store returns the shared store.
func (h *Handle) Store() *Store {
	return h.store
}

// Close releases the reference. The store is closed when its last handle
// is. Closing twice is a no-op.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() { err = h.pool.release(h.key, h.entry) })
	return err
}

func poolKey(collection string, q transport.Query, sort Sort) (string, error) {
	params := maps.Clone(map[string]string(q))
	if params == nil {
		params = map[string]string{}
	}
	params["$sort"] = sort.Name()
	return ir.QueryKey(collection, params)
}

// Acquire returns a handle to the shared store, opening it on first use.
// Later callers wait for the first open and receive its error, if any.
func (p *Pool) Acquire(ctx context.Context, collection string, q transport.Query, sort Sort) (*Handle, error) {
	key, err := poolKey(collection, q, sort)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		e.refs++
		p.mu.Unlock()
		select {
		case <-e.opened:
		case <-ctx.Done():
			_ = p.release(key, e)
			return nil, ctx.Err()
		}
		return &Handle{pool: p, key: key, entry: e, store: e.store}, e.err
	}

	opts := p.base
	opts.Collection = collection
	opts.Query = q
	opts.Sort = sort
	store, err := New(opts)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	e = &poolEntry{store: store, refs: 1, opened: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	e.err = store.Open(ctx)
	close(e.opened)
	if IsFetchFailed(e.err) {
		// A failed snapshot is not shared; the next Acquire retries.
		p.mu.Lock()
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
	}
	return &Handle{pool: p, key: key, entry: e, store: store}, e.err
}

func (p *Pool) release(key string, e *poolEntry) error {
	p.mu.Lock()
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	return e.store.Close()
}

// Len returns the number of live shared stores.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every store regardless of outstanding handles.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.store.Collection(), err))
		}
	}
	return errors.Join(errs...)
}
