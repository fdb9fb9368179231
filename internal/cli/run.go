package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kcore/internal/config"
	"github.com/me/kcore/internal/kernel"
	"github.com/me/kcore/internal/logging"
	"github.com/me/kcore/internal/server"
	"github.com/me/kcore/internal/store"
	"github.com/me/kcore/internal/workload"
)

type runFlags struct {
	configPath string
	addr       string
	db         string
	duration   time.Duration
	cpus       int
	kind       string
	tasks      int
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a kernel, run a synthetic workload and serve its API",
		Long: "Boot a simulated kernel with the given configuration, start the\n" +
			"configured workload, record snapshots and serve the HTTP API until\n" +
			"the workload duration elapses or the process is interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = f.addr
			}
			if flags.Changed("db") {
				cfg.Store.DBPath = f.db
			}
			if flags.Changed("duration") {
				cfg.Workload.Duration = f.duration
			}
			if flags.Changed("cpus") {
				cfg.CPUs = f.cpus
			}
			if flags.Changed("workload") {
				cfg.Workload.Kind = f.kind
			}
			if flags.Changed("tasks") {
				cfg.Workload.Tasks = f.tasks
			}
			root := cmd.Root().PersistentFlags()
			if !root.Changed("log-level") && !root.Changed("log-format") && !flagDebug {
				logger = logging.FromConfig(cfg.Log, cmd.ErrOrStderr())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runKernel(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address (empty disables the API)")
	cmd.Flags().StringVar(&f.db, "db", "", "Snapshot database path (empty disables recording)")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "How long to run (0 runs until interrupted)")
	cmd.Flags().IntVar(&f.cpus, "cpus", 0, "Number of simulated CPUs")
	cmd.Flags().StringVar(&f.kind, "workload", "", "Workload kind (mixed, yield, mutex, sleep, rcu, domains, none)")
	cmd.Flags().IntVar(&f.tasks, "tasks", 0, "Number of workload tasks")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// runKernel boots the kernel described by cfg and runs it until ctx is done
// or the workload duration elapses, then prints a summary to out.
func runKernel(ctx context.Context, cfg config.Config, out io.Writer) error {
	k, err := kernel.Boot(cfg, logger)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	// Ticks outlive ctx so the workload can drain; Shutdown stops them.
	if err := k.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer k.Shutdown()

	var st store.Store
	if cfg.Store.DBPath != "" {
		sqlite, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer sqlite.Close()
		if err := sqlite.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		st = sqlite
	}

	ws, err := workload.Start(k, cfg.Workload, logger)
	if err != nil {
		return fmt.Errorf("start workload: %w", err)
	}

	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		opts := []server.Option{server.WithWorkload(ws)}
		if st != nil {
			opts = append(opts, server.WithStore(st))
		}
		srv := server.New(k, logger, opts...)
		ln, err := net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			drain(ws)
			return fmt.Errorf("listen: %w", err)
		}
		httpServer = &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("server starting", "addr", ln.Addr().String())
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", "error", err)
			}
		}()
	}

	var rec *kernel.Recorder
	recDone := make(chan error, 1)
	if st != nil {
		recCfg := kernel.DefaultRecorderConfig()
		recCfg.Interval = cfg.Store.SnapshotInterval
		rec = kernel.NewRecorder(k, st, recCfg, logger)
		go func() { recDone <- rec.Start(context.WithoutCancel(ctx)) }()
	}

	if d := cfg.Workload.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	<-ctx.Done()
	logger.Info("shutting down", "uptime", k.Uptime())

	drain(ws)

	if rec != nil {
		rec.Stop()
		if err := <-recDone; err != nil {
			logger.Error("recorder", "error", err)
		}
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}

	printSummary(out, k, ws.Stats())
	return nil
}

// drain stops the workload and waits for its tasks. Sleepers wake on timers,
// so the kernel must still be ticking.
func drain(ws *workload.Set) {
	ws.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Wait(ctx); err != nil {
		logger.Error("workload did not drain", "error", err)
	}
}

func printSummary(out io.Writer, k *kernel.Kernel, ws workload.Stats) {
	snap := k.Snapshot()
	fmt.Fprintf(out, "Boot %s: %d CPUs, up %s\n", k.BootID(), len(snap.CPUs), snap.Uptime)
	fmt.Fprintf(out, "  Switches:      %s\n", humanize.Comma(int64(snap.TotalSwitches())))
	fmt.Fprintf(out, "  Grace periods: %s\n", humanize.Comma(int64(snap.RCU.CompletedGP)))
	fmt.Fprintf(out, "  Workload:      %d tasks, %s iterations, %s deferred, %s RCU frees\n",
		ws.Tasks, humanize.Comma(int64(ws.Iterations)), humanize.Comma(int64(ws.Deferred)),
		humanize.Comma(int64(ws.RCUFreed)))
	if ws.RCUTorn > 0 {
		fmt.Fprintf(out, "  WARNING: %d torn RCU reads\n", ws.RCUTorn)
	}
}
