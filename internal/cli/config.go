package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the config file and environment overrides, validate the result and
print it. The socket URL shown is the derived one when none was set.

Environment overrides:
  KAFFEDIEM_BACKEND_URL, KAFFEDIEM_SOCKET_URL, KAFFEDIEM_JOURNAL, KAFFEDIEM_LOG_LEVEL

Exit codes:
  0 - Configuration is valid
  2 - Config file unreadable or invalid

Examples:
  kaffediem config
  kaffediem config --config ./kaffediem.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			f := formatter(rootOpts, cmd)
			if rootOpts.Format == "json" {
				return f.Success(map[string]any{
					"backend_url":        cfg.BackendURL,
					"socket_url":         cfg.SocketURL,
					"live":               cfg.Live(),
					"join_timeout":       cfg.JoinTimeout.String(),
					"request_timeout":    cfg.RequestTimeout.String(),
					"heartbeat_interval": cfg.HeartbeatInterval.String(),
					"journal_path":       cfg.JournalPath,
					"log_level":          cfg.LogLevel,
					"metrics":            cfg.Metrics,
					"metrics_addr":       cfg.MetricsAddr,
				})
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
