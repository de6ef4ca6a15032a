// Package orders syncs today's orders and issues order mutations: create
// from a cart draft, state transitions with undo, and bulk state changes.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Kaffe-diem/kaffediem/internal/cart"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
	"github.com/Kaffe-diem/kaffediem/internal/undo"
	"github.com/Kaffe-diem/kaffediem/internal/view"
)

// ErrInvalidCustomer is returned by Create for an empty customer id.
var ErrInvalidCustomer = errors.New("orders: invalid customer id")

// Options configure a Service.
type Options struct {
	Pool *collection.Pool
	// Now reads the wall clock; today's orders are selected with it.
	Now func() time.Time
	// OnCreate is called on the loop for every order created after the
	// initial snapshot, including orders created by this process.
	OnCreate func(codec.Order)
	// UndoIDs overrides undo entry ids.
	UndoIDs undo.IDGenerator
	Logger  *slog.Logger
}

// Service is the order desk of one terminal.
type Service struct {
	orders *collection.Typed[codec.Order]
	handle *collection.Handle
	undo   *undo.Log[codec.OrderState]
	logger *slog.Logger

	onCreate    func(codec.Order)
	unsubscribe func()
	// known is only touched on the loop.
	known map[ir.RecordID]struct{}
	seen  bool
}

// Open syncs the orders created today. The Service is returned even when
// the sync failed; it then serves an empty or stale cache and err says why.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Pool == nil {
		return nil, errors.New("orders: pool required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := transport.Query{"from_date": view.Day(opts.Now())}
	h, err := opts.Pool.Acquire(ctx, codec.CollectionOrder, q, collection.ByCreated())
	if h == nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	s := &Service{
		orders:   collection.NewTyped(h.Store(), codec.Orders),
		handle:   h,
		logger:   opts.Logger.With("collection", codec.CollectionOrder),
		onCreate: opts.OnCreate,
		known:    make(map[ir.RecordID]struct{}),
	}
	undoOpts := []undo.Option{undo.WithLogger(opts.Logger)}
	if opts.UndoIDs != nil {
		undoOpts = append(undoOpts, undo.WithIDGenerator(opts.UndoIDs))
	}
	s.undo = undo.New(s.revertState, undoOpts...)

	if s.onCreate != nil {
		// Subscribed after Open posted the snapshot, so the first delivery
		// is the applied snapshot and seeds known ids without firing.
		s.unsubscribe = s.orders.Subscribe(s.detectCreated)
	}
	return s, err
}

func (s *Service) detectCreated(snap collection.Snapshot[codec.Order]) {
	first := !s.seen
	s.seen = true
	for _, o := range snap.Items {
		if _, ok := s.known[o.ID]; ok {
			continue
		}
		s.known[o.ID] = struct{}{}
		if !first {
			s.onCreate(o)
		}
	}
}

// Close stops syncing.
func (s *Service) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.handle.Close()
}

// Orders returns today's orders, oldest first.
func (s *Service) Orders() collection.Snapshot[codec.Order] {
	return s.orders.Snapshot()
}

// Source exposes the typed order store for derived views.
func (s *Service) Source() view.Source[codec.Order] {
	return s.orders
}

// Undo returns the undo log.
func (s *Service) Undo() *undo.Log[codec.OrderState] {
	return s.undo
}

// customerValue sends numeric ids as integers and anything else verbatim.
func customerValue(customer string) (ir.Value, error) {
	customer = strings.TrimSpace(customer)
	if customer == "" {
		return nil, ErrInvalidCustomer
	}
	if n, err := strconv.ParseInt(customer, 10, 64); err == nil {
		return ir.Int(n), nil
	}
	return ir.String(customer), nil
}

// CreatePayload builds the order creation body from cart lines.
func CreatePayload(customer string, lines []cart.DraftLine, missingInformation bool) (codec.Payload, error) {
	cust, err := customerValue(customer)
	if err != nil {
		return codec.Payload{}, err
	}
	items := make(ir.Array, 0, len(lines))
	for _, l := range lines {
		customizations := make(ir.Array, 0, len(l.Customizations))
		for _, c := range l.Customizations {
			values := make(ir.Array, len(c.Values))
			for i, v := range c.Values {
				values[i] = ir.String(v)
			}
			customizations = append(customizations, ir.Object{
				"key":   ir.String(c.Key),
				"value": values,
			})
		}
		items = append(items, ir.Object{
			"item":           ir.String(l.Item),
			"customizations": customizations,
		})
	}
	return codec.Payload{Fields: ir.Object{
		"customer_id":         cust,
		"items":               items,
		"state":               ir.String(codec.OrderReceived),
		"missing_information": ir.Bool(missingInformation),
	}}, nil
}

// Create submits a new order in state received.
func (s *Service) Create(ctx context.Context, customer string, lines []cart.DraftLine, missingInformation bool) (codec.Order, error) {
	p, err := CreatePayload(customer, lines, missingInformation)
	if err != nil {
		return codec.Order{}, err
	}
	rec, err := s.orders.Store().Create(ctx, p)
	if err != nil {
		return codec.Order{}, err
	}
	return codec.OrderFromRecord(rec), nil
}

// UpdateState moves an order to state. When the order is cached, its
// previous state is recorded for undo before the request is sent and
// discarded again if the request fails.
func (s *Service) UpdateState(ctx context.Context, id ir.RecordID, state codec.OrderState) error {
	patch := func(ctx context.Context) error {
		_, err := s.orders.Store().Update(ctx, id, codec.EncodeOrderState(state))
		return err
	}
	current, ok := s.orders.Find(func(o codec.Order) bool { return o.ID == id })
	if !ok {
		return patch(ctx)
	}
	return s.undo.Do(ctx, "state", id, current.State, patch)
}

// SetAll moves every cached order to state. Requests run concurrently;
// failures are joined.
func (s *Service) SetAll(ctx context.Context, state codec.OrderState) error {
	orders := s.orders.Snapshot().Items
	errs := make([]error, len(orders))

	var wg sync.WaitGroup
	for i, o := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.orders.Store().Update(ctx, o.ID, codec.EncodeOrderState(state))
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// UndoLast reverts the newest state change. It reports false when there was
// nothing to undo.
func (s *Service) UndoLast(ctx context.Context) (bool, error) {
	_, ok, err := s.undo.UndoLast(ctx)
	return ok, err
}

func (s *Service) revertState(ctx context.Context, e undo.Entry[codec.OrderState]) error {
	_, err := s.orders.Store().Update(ctx, e.Target, codec.EncodeOrderState(e.Previous))
	return err
}
