package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/app"
	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Services []string
	Duration time.Duration // 0 runs until interrupted
	Events   bool          // print every input, not only state changes
}

// WatchLine is one line of watch output.
type WatchLine struct {
	Type       string `json:"type"` // "event" | "state" | "order"
	Collection string `json:"collection"`
	Source     string `json:"source,omitempty"`
	Action     string `json:"action,omitempty"`
	ID         string `json:"id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Version    uint64 `json:"version,omitempty"`
	Size       int    `json:"size,omitempty"`
	Stale      bool   `json:"stale,omitempty"`
}

func (l WatchLine) String() string {
	switch l.Type {
	case "state":
		return fmt.Sprintf("%s state size=%d v%d stale=%t", l.Collection, l.Size, l.Version, l.Stale)
	case "order":
		return fmt.Sprintf("order %s new (%s)", l.ID, l.Outcome)
	}
	return fmt.Sprintf("%s %s %s %s %s v%d", l.Collection, l.Source, dash(l.Action), dash(l.ID), l.Outcome, l.Version)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// watchPrinter prints store activity. It runs on the loop, so writes are
// serialized.
type watchPrinter struct {
	w      io.Writer
	json   bool
	events bool
}

func (p *watchPrinter) print(l WatchLine) {
	if p.json {
		_ = json.NewEncoder(p.w).Encode(l)
		return
	}
	fmt.Fprintln(p.w, l.String())
}

// Observe implements collection.Observer.
func (p *watchPrinter) Observe(e collection.Event) {
	if !p.events {
		return
	}
	l := WatchLine{
		Type:       "event",
		Collection: e.Collection,
		Source:     string(e.Source),
		ID:         string(e.ID),
		Outcome:    string(e.Outcome),
		Version:    e.Version,
	}
	if e.Action != 0 {
		l.Action = e.Action.String()
	}
	p.print(l)
}

// ObserveState implements collection.Observer.
func (p *watchPrinter) ObserveState(s collection.State) {
	p.print(WatchLine{Type: "state", Collection: s.Collection, Size: s.Size, Version: s.Version, Stale: s.Stale})
}

func (p *watchPrinter) order(o codec.Order) {
	p.print(WatchLine{Type: "order", Collection: codec.CollectionOrder, ID: string(o.ID), Outcome: string(o.State)})
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync collections and print changes as they arrive",
		Long: `Open the menu, today's orders and the shop status, keep them in sync
over the realtime socket and print every published state. New orders are
announced as they are created.

With journal_path set every input is recorded for replay. With metrics set
Prometheus metrics are served on metrics_addr at /metrics.

Exit codes:
  0 - Stopped by signal or --duration
  2 - Command error (bad config, backend unreachable at startup)

Examples:
  kaffediem watch
  kaffediem watch --services orders --events
  kaffediem watch --duration 1m --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Services, "services", []string{"menu", "orders", "status"}, "services to sync (menu, orders, status)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.Events, "events", false, "print every input, not only state changes")

	return cmd
}

func parseServices(names []string) (app.Services, error) {
	var s app.Services
	for _, n := range names {
		switch strings.TrimSpace(n) {
		case "menu":
			s |= app.ServiceMenu
		case "orders":
			s |= app.ServiceOrders
		case "status":
			s |= app.ServiceStatus
		default:
			return 0, fmt.Errorf("unknown service %q", n)
		}
	}
	if s == 0 {
		return 0, errors.New("no services selected")
	}
	return s, nil
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	services, err := parseServices(opts.Services)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --services", err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	printer := &watchPrinter{w: cmd.OutOrStdout(), json: opts.Format == "json", events: opts.Events}
	appOpts := app.Options{Services: services, Observer: printer, OnOrder: printer.order}

	var reg *prometheus.Registry
	if cfg.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		appOpts.Registerer = reg
	}

	a, logger, err := openApp(ctx, cmd, opts.RootOptions, cfg, appOpts)
	if err != nil {
		return err
	}
	if reg != nil {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	if s := a.Session(); s != "" {
		opts.VerboseLog(cmd, "recording session %s", s)
	}

	logger.Info("watching", "live", cfg.Live(), "socket_url", cfg.SocketURL)
	runErr := a.Run(ctx)
	closeErr := a.Close()
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	if closeErr != nil {
		logger.Warn("shutdown incomplete", "error", closeErr)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
