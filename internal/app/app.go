// Package app wires configuration, transports, the loop and the domain
// services into one running client.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/config"
	"github.com/Kaffe-diem/kaffediem/internal/journal"
	"github.com/Kaffe-diem/kaffediem/internal/menu"
	"github.com/Kaffe-diem/kaffediem/internal/orders"
	"github.com/Kaffe-diem/kaffediem/internal/status"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
	"github.com/Kaffe-diem/kaffediem/internal/transport/realtime"
	"github.com/Kaffe-diem/kaffediem/internal/transport/rest"
)

// Services selects which domain services Open starts.
type Services uint8

const (
	ServiceMenu Services = 1 << iota
	ServiceOrders
	ServiceStatus

	AllServices = ServiceMenu | ServiceOrders | ServiceStatus
)

// Options configure Open.
type Options struct {
	Config   config.Config
	Services Services

	// Fetcher and Channel replace the transports built from Config.
	Fetcher transport.Fetcher
	Channel transport.Channel

	// Registerer receives sync metrics when set.
	Registerer prometheus.Registerer
	// Observer is notified after metrics and the journal.
	Observer collection.Observer

	// Label names the journal session.
	Label string
	// OnOrder is called on the loop for orders created after the snapshot.
	OnOrder func(codec.Order)
	Now     func() time.Time
	Logger  *slog.Logger
}

// App is a running client. The loop is not started by Open: call Run, or
// Drain from tests and one-shot commands.
type App struct {
	Loop   *collection.Loop
	Pool   *collection.Pool
	Menu   *menu.Menu
	Orders *orders.Service
	Status *status.Service

	socket   *realtime.Socket
	journal  *journal.Journal
	recorder *journal.Recorder
	logger   *slog.Logger
}

// Open builds the client and opens the selected services. Sync failures
// are logged and joined into the returned error, but the App is returned
// with whatever each store could load; a nil App means setup failed.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	cfg.Finish()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Services == 0 {
		opts.Services = AllServices
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Loop: collection.NewLoop(logger), logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	fetcher, channel, err := a.transports(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	var observers collection.Observers
	if opts.Registerer != nil {
		observers = append(observers, collection.NewMetrics(opts.Registerer))
	}
	if cfg.JournalPath != "" {
		a.journal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.recorder, err = journal.NewRecorder(ctx, a.journal, journal.RecorderOptions{
			Label:  opts.Label,
			Now:    opts.Now,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("start journal session: %w", err)
		}
		observers = append(observers, a.recorder)
		logger.Info("journal session started", "path", cfg.JournalPath, "session", a.recorder.Session())
	}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	a.Pool = collection.NewPool(collection.Options{
		Fetcher:  fetcher,
		Channel:  channel,
		Loop:     a.Loop,
		Observer: observers,
		Logger:   logger,
	})

	var syncErrs []error
	if opts.Services&ServiceMenu != 0 {
		a.Menu, err = menu.Open(ctx, a.Pool)
		if a.Menu == nil {
			return nil, err
		}
		syncErrs = append(syncErrs, err)
	}
	if opts.Services&ServiceOrders != 0 {
		a.Orders, err = orders.Open(ctx, orders.Options{
			Pool:     a.Pool,
			Now:      opts.Now,
			OnCreate: opts.OnOrder,
			Logger:   logger,
		})
		if a.Orders == nil {
			return nil, err
		}
		syncErrs = append(syncErrs, err)
	}
	if opts.Services&ServiceStatus != 0 {
		a.Status, err = status.Open(ctx, a.Pool)
		if a.Status == nil {
			return nil, err
		}
		syncErrs = append(syncErrs, err)
	}

	ok = true
	err = errors.Join(syncErrs...)
	if err != nil {
		logger.Warn("sync degraded", "error", err)
	}
	return a, err
}

func (a *App) transports(ctx context.Context, cfg config.Config, opts Options) (transport.Fetcher, transport.Channel, error) {
	fetcher, channel := opts.Fetcher, opts.Channel
	if fetcher == nil {
		if cfg.BackendURL == "" {
			return nil, nil, errors.New("backend_url is required")
		}
		c, err := rest.New(cfg.BackendURL,
			rest.WithTimeout(cfg.RequestTimeout),
			rest.WithLogger(a.logger),
		)
		if err != nil {
			return nil, nil, err
		}
		fetcher = c
	}
	if channel == nil && opts.Fetcher == nil && cfg.Live() {
		s, err := realtime.Dial(ctx, cfg.SocketURL, realtime.Settings{
			JoinTimeout:       cfg.JoinTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            a.logger,
		})
		if err != nil {
			// Without a socket every cache is served stale.
			a.logger.Warn("realtime unavailable", "socket_url", cfg.SocketURL, "error", err)
		} else {
			a.socket = s
			channel = s
		}
	}
	return fetcher, channel, nil
}

// Run processes loop tasks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.Loop.Run(ctx)
}

// Session returns the journal session id, or "" without a journal.
func (a *App) Session() string {
	if a.recorder == nil {
		return ""
	}
	return a.recorder.Session()
}

// Close stops every service and flushes the journal.
func (a *App) Close() error {
	var errs []error
	if a.Status != nil {
		errs = append(errs, a.Status.Close())
	}
	if a.Orders != nil {
		errs = append(errs, a.Orders.Close())
	}
	if a.Menu != nil {
		errs = append(errs, a.Menu.Close())
	}
	if a.Pool != nil {
		errs = append(errs, a.Pool.Close())
	}
	// Leaves and closes posted above still run.
	a.Loop.Drain()
	a.Loop.Close()
	if a.socket != nil {
		errs = append(errs, a.socket.Close())
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

// SortFor returns the sort criterion the services open a collection with.
// Replays must reduce with the same criterion to reproduce the cache.
func SortFor(coll string) (collection.Sort, bool) {
	switch coll {
	case codec.CollectionCategory, codec.CollectionItem,
		codec.CollectionCustomizationKey, codec.CollectionCustomizationValue:
		return collection.ByIntField("sort_order"), true
	case codec.CollectionItemCustomization, codec.CollectionStatus:
		return collection.InsertionOrder, true
	case codec.CollectionOrder, codec.CollectionMessage:
		return collection.ByCreated(), true
	}
	return collection.Sort{}, false
}
