package cli

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kcore/pkg/model"
)

// formatLimit renders a -1 limit as "max".
func formatLimit(v int64, bytes bool) string {
	switch {
	case v < 0:
		return "max"
	case bytes:
		return humanize.IBytes(uint64(v))
	}
	return strconv.FormatInt(v, 10)
}

func newDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List the resource-domain tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/domains/?limit=500")
			if err != nil {
				return fmt.Errorf("list domains: %w", err)
			}
			domains, err := decodeData[[]model.Domain](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			const row = "%-30s  %5s  %6s  %-16s  %9s  %-21s  %s\n"
			fmt.Fprintf(out, row, "PATH", "TASKS", "WEIGHT", "CPU.MAX", "THROTTLED", "MEMORY", "PIDS")
			for _, d := range domains {
				fmt.Fprintf(out, row, d.Path, strconv.Itoa(d.Tasks), strconv.FormatUint(d.CPUWeight, 10),
					d.CPUMax, strconv.FormatUint(d.Throttled, 10),
					humanize.IBytes(uint64(d.MemoryCurrent))+" / "+formatLimit(d.MemoryMax, true),
					strconv.FormatInt(d.PidsCurrent, 10)+" / "+formatLimit(d.PidsMax, false))
			}
			return nil
		},
	}
}

func newDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Create, remove and configure resource domains",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <path>",
			Short: "Create a domain, e.g. /jobs/batch",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p := path.Clean("/" + args[0])
				if p == "/" {
					return fmt.Errorf("the root domain always exists")
				}
				resp, err := client.Post("/api/v1/domains/", model.CreateDomainRequest{
					Parent: path.Dir(p), Name: path.Base(p),
				})
				if err != nil {
					return fmt.Errorf("create domain: %w", err)
				}
				d, err := decodeData[model.Domain](resp)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Domain created: %s\n", d.Path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm <path>",
			Short: "Remove an empty domain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := client.Delete("/api/v1/domains/" + trimPath(args[0])); err != nil {
					return fmt.Errorf("remove domain: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Domain removed: %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "cat <path> [file]",
			Short: "Read one or every control file of a domain",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				p := "/api/v1/files/" + trimPath(args[0])
				if len(args) == 2 {
					p += "?name=" + url.QueryEscape(args[1])
				}
				resp, err := client.Get(p)
				if err != nil {
					return fmt.Errorf("read control files: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(args) == 2 {
					f, err := decodeData[model.ControlFile](resp)
					if err != nil {
						return err
					}
					fmt.Fprint(out, f.Value)
					return nil
				}
				files, err := decodeData[[]model.ControlFile](resp)
				if err != nil {
					return err
				}
				for _, f := range files {
					value := strings.TrimSuffix(f.Value, "\n")
					fmt.Fprintf(out, "%-16s %s\n", f.Name, strings.ReplaceAll(value, "\n", "\n"+strings.Repeat(" ", 17)))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "write <path> <file> <value>",
			Short: "Write a control file, e.g. cpu.max \"50000 100000\"",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := client.Put("/api/v1/files/"+trimPath(args[0])+"?name="+url.QueryEscape(args[1]),
					model.WriteFileRequest{Value: args[2]})
				if err != nil {
					return fmt.Errorf("write %s: %w", args[1], err)
				}
				f, err := decodeData[model.ControlFile](resp)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s", f.Domain, f.Name, f.Value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "attach <path> <pid>",
			Short: "Move a task into a domain",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid pid %q", args[1])
				}
				resp, err := client.Post("/api/v1/attach/"+trimPath(args[0]), model.AttachRequest{PID: pid})
				if err != nil {
					return fmt.Errorf("attach: %w", err)
				}
				t, err := decodeData[model.Task](resp)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %d (%s) now in %s\n", t.PID, t.Name, t.Domain)
				return nil
			},
		},
	)
	return cmd
}
