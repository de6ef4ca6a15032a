package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/app"
	"github.com/Kaffe-diem/kaffediem/internal/config"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

// backendOverride replaces the configured transports. Tests set it to an
// in-memory backend.
type backendOverride interface {
	transport.Fetcher
	transport.Channel
}

// openApp opens the services selected in appOpts with the loaded config.
// One-shot commands drain the loop themselves; watch runs it. Degraded sync
// is logged by app.Open and the commands serve whatever was loaded.
func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, cfg config.Config, appOpts app.Options) (*app.App, *slog.Logger, error) {
	logger := newLogger(opts, cfg, cmd.ErrOrStderr())

	appOpts.Config = cfg
	appOpts.Logger = logger
	if appOpts.Label == "" {
		appOpts.Label = cmd.Name()
	}
	if opts.backend != nil {
		appOpts.Fetcher = opts.backend
		appOpts.Channel = opts.backend
	}

	a, err := app.Open(ctx, appOpts)
	if a == nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to start", err)
	}
	return a, logger, nil
}
