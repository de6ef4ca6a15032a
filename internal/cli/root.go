package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Kaffe-diem/kaffediem/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML config file, optional
	EnvFile string // dotenv file under the environment, optional

	// env replaces the process environment in tests.
	env config.LookupEnv
	// backend replaces the configured transports in tests.
	backend backendOverride
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kaffediem CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kaffediem",
		Short: "Kaffediem - realtime sync client for the coffee shop",
		Long: `A client for the Kaffediem backend. It keeps the menu, today's orders
and the shop status in sync over REST and the realtime socket, prices carts,
and records sync sessions for replay.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "path to dotenv file with KAFFEDIEM_* variables")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewMenuCommand(opts))
	cmd.AddCommand(NewPriceCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the config file and environment.
func loadConfig(opts *RootOptions) (config.Config, error) {
	env := opts.env
	if env == nil {
		env = os.LookupEnv
	}
	if opts.EnvFile != "" {
		var err error
		if env, err = config.WithEnvFile(opts.EnvFile, env); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	cfg, err := config.Load(opts.Config, env)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger writes text logs to w at the configured level, or Debug with
// --verbose.
func newLogger(opts *RootOptions, cfg config.Config, w io.Writer) *slog.Logger {
	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// VerboseLog writes a diagnostic line to stderr with --verbose.
func (o *RootOptions) VerboseLog(cmd *cobra.Command, format string, args ...any) {
	formatter(o, cmd).VerboseLog(format, args...)
}
