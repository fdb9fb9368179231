// Package cli implements the kcore command: it boots a kernel locally and
// inspects or controls a running one through its HTTP API.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/kcore/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking KCORE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("KCORE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the kcore CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kcore",
		Short: "kcore: scheduling and synchronization core of a simulated kernel",
		Long: "kcore boots a simulated multi-CPU kernel (scheduler, RCU, softirqs,\n" +
			"workqueues, resource domains) and inspects a running instance.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "kcore API URL (or KCORE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newInfoCmd(),
		newStatsCmd(),
		newTasksCmd(),
		newSpawnCmd(),
		newDomainsCmd(),
		newDomainCmd(),
		newSnapshotsCmd(),
	)

	return root
}
