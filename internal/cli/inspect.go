package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/pkg/model"
)

func newConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "YAML configuration file")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the identity of a running kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/info")
			if err != nil {
				return fmt.Errorf("get info: %w", err)
			}
			info, err := decodeData[model.KernelInfo](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Boot:    %s\n", info.BootID)
			fmt.Fprintf(out, "  Booted:  %s\n", humanize.Time(info.BootedAt))
			fmt.Fprintf(out, "  Uptime:  %s\n", info.Uptime)
			fmt.Fprintf(out, "  CPUs:    %d at %d Hz\n", info.CPUs, info.TickHz)
			fmt.Fprintf(out, "  Tasks:   %d\n", info.Tasks)
			fmt.Fprintf(out, "  Domains: %d\n", info.Domains)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-CPU scheduler counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/snapshot")
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}
			snap, err := decodeData[model.Snapshot](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			const row = "%-4s  %-20s  %4s  %12s  %12s  %10s  %8s  %8s  %6s\n"
			fmt.Fprintf(out, row, "CPU", "CURR", "NR", "SWITCHES", "TICKS", "WAKEUPS", "MIGR", "RCU CB", "LOAD")
			for _, c := range snap.CPUs {
				fmt.Fprintf(out, row,
					strconv.Itoa(c.CPU), c.Curr, strconv.Itoa(c.NrRunning),
					humanize.Comma(int64(c.Switches)), humanize.Comma(int64(c.Ticks)),
					humanize.Comma(int64(c.Wakeups)), humanize.Comma(int64(c.Migrations)),
					humanize.Comma(int64(c.RCUInvoked)), strconv.FormatUint(c.LoadAvg, 10))
			}
			fmt.Fprintf(out, "\nGrace periods: %s completed (current %d), SRCU %d\n",
				humanize.Comma(int64(snap.RCU.CompletedGP)), snap.RCU.CurrentGP, snap.RCU.SRCUCompleted)
			for _, q := range snap.Workqueues {
				fmt.Fprintf(out, "Workqueue %s: %s executed, %d queued (worker %d)\n",
					q.Name, humanize.Comma(int64(q.Executed)), q.Queued, q.Worker)
			}
			return nil
		},
	}
}

func newTasksCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List live tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			q.Set("limit", strconv.Itoa(limit))
			resp, err := client.Get("/api/v1/tasks/?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			tasks, err := decodeData[[]model.Task](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			const row = "%-6s  %-20s  %-16s  %3s  %4s  %-20s  %10s  %s\n"
			fmt.Fprintf(out, row, "PID", "NAME", "STATE", "CPU", "NICE", "DOMAIN", "RUNTIME", "VOL/INVOL")
			for _, t := range tasks {
				name := t.Name
				if t.Kthread {
					name = "[" + name + "]"
				}
				fmt.Fprintf(out, row, strconv.Itoa(t.PID), name, t.State, strconv.Itoa(t.CPU),
					strconv.Itoa(t.Nice), t.Domain, t.Runtime.String(),
					fmt.Sprintf("%d/%d", t.Voluntary, t.Involuntary))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(tasks), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only tasks in this state (running, interruptible, uninterruptible, stopped, zombie)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum tasks to show")
	return cmd
}

func newSpawnCmd() *cobra.Command {
	var nice int
	var domain string
	cmd := &cobra.Command{
		Use:   "spawn <kind> <name>",
		Short: "Start a synthetic task (yield, mutex, sleep, rcu) on a running kernel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nice < sched.MinNice || nice > sched.MaxNice {
				return fmt.Errorf("nice %d out of range [%d, %d]", nice, sched.MinNice, sched.MaxNice)
			}
			resp, err := client.Post("/api/v1/tasks/", model.SpawnRequest{
				Kind: args[0], Name: args[1], Nice: nice, Domain: domain,
			})
			if err != nil {
				return fmt.Errorf("spawn: %w", err)
			}
			t, err := decodeData[model.Task](resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task spawned: pid %d (%s) in %s\n", t.PID, t.Name, t.Domain)
			return nil
		},
	}
	cmd.Flags().IntVar(&nice, "nice", 0, "Nice value (-20..19)")
	cmd.Flags().StringVar(&domain, "domain", "", "Resource domain to start the task in")
	return cmd
}

func newSnapshotsCmd() *cobra.Command {
	var bootID string
	var limit int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List recorded snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if bootID != "" {
				q.Set("boot_id", bootID)
			}
			q.Set("limit", strconv.Itoa(limit))
			resp, err := client.Get("/api/v1/snapshots/?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			snaps, err := decodeData[[]model.Snapshot](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No snapshots found.")
				return nil
			}
			const row = "%-36s  %-14s  %10s  %12s  %8s  %s\n"
			fmt.Fprintf(out, row, "ID", "TAKEN", "UPTIME", "SWITCHES", "GP", "TASKS")
			for _, s := range snaps {
				fmt.Fprintf(out, row, s.ID, humanize.Time(s.TakenAt), s.Uptime.String(),
					humanize.Comma(int64(s.TotalSwitches())), humanize.Comma(int64(s.RCU.CompletedGP)),
					strconv.Itoa(s.Tasks))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(snaps), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bootID, "boot", "", "Only snapshots of this boot")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum snapshots to show")
	return cmd
}
