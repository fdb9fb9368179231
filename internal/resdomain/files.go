package resdomain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Files lists the control files every domain has.
var Files = []string{
	"cgroup.procs",
	"cpu.weight",
	"cpu.max",
	"cpu.stat",
	"memory.current",
	"memory.max",
	"memory.high",
	"memory.events",
	"pids.current",
	"pids.max",
	"pids.events",
	"io.weight",
	"io.max",
	"io.stat",
}

// ReadFile returns the contents of control file name of d.
func (h *Hierarchy) ReadFile(d *Domain, name string) (string, error) {
	switch name {
	case "cgroup.procs":
		var b strings.Builder
		for _, t := range d.Tasks() {
			fmt.Fprintf(&b, "%d\n", t.PID())
		}
		return b.String(), nil
	case "cpu.weight":
		return fmt.Sprintf("%d\n", d.cpu.weight.Load()), nil
	case "cpu.max":
		return d.cpuMax() + "\n", nil
	case "cpu.stat":
		now, total := d.group.Throttled()
		_, _, remaining := d.group.Bandwidth()
		return fmt.Sprintf("nr_throttled %d\nthrottled_cpus %d\nruntime_remaining_usec %d\n",
			total, now, remaining.Microseconds()), nil
	case "memory.current":
		return fmt.Sprintf("%d\n", d.mem.current.Load()), nil
	case "memory.max":
		return formatLimit(d.mem.max.Load()), nil
	case "memory.high":
		return formatLimit(d.mem.high.Load()), nil
	case "memory.events":
		return fmt.Sprintf("high %d\nmax %d\n", d.mem.highEvents.Load(), d.mem.maxEvents.Load()), nil
	case "pids.current":
		return fmt.Sprintf("%d\n", d.PidsCurrent()), nil
	case "pids.max":
		return formatLimit(d.pids.max.Load()), nil
	case "pids.events":
		return fmt.Sprintf("max %d\n", d.pids.events.Load()), nil
	case "io.weight":
		return fmt.Sprintf("default %d\n", d.io.weight.Load()), nil
	case "io.max":
		if bps := d.IOMax(); bps > 0 {
			return fmt.Sprintf("bps=%d\n", bps), nil
		}
		return "bps=max\n", nil
	case "io.stat":
		return fmt.Sprintf("throttled_usec %d\n", time.Duration(d.io.throttled.Load()).Microseconds()), nil
	}
	return "", fmt.Errorf("read %s/%s: %w", d.path, name, ErrNotFound)
}

func formatLimit(v int64) string {
	if v == unlimited {
		return "max\n"
	}
	return fmt.Sprintf("%d\n", v)
}

// WriteFile writes value to control file name of d. Memory sizes accept
// unit suffixes such as "64MiB".
func (h *Hierarchy) WriteFile(d *Domain, name, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch name {
	case "cgroup.procs":
		err = h.writeProcs(d, value)
	case "cpu.weight":
		var w uint64
		if w, err = strconv.ParseUint(value, 10, 64); err == nil {
			err = d.SetCPUWeight(w)
		}
	case "cpu.max":
		var quota, period time.Duration
		if quota, period, err = parseCPUMax(value); err == nil {
			err = d.SetCPUMax(quota, period)
		}
	case "memory.max", "memory.high":
		var v int64
		if v, err = parseBytes(value); err == nil {
			if name == "memory.max" {
				err = d.SetMemoryMax(v)
			} else {
				err = d.SetMemoryHigh(v)
			}
		}
	case "pids.max":
		var v int64
		if v, err = parseMax(value); err == nil {
			err = d.SetPidsMax(v)
		}
	case "io.weight":
		var w uint64
		if w, err = strconv.ParseUint(strings.TrimPrefix(value, "default "), 10, 64); err == nil {
			err = d.SetIOWeight(w)
		}
	case "io.max":
		var v int64
		if v, err = parseBytes(strings.TrimPrefix(value, "bps=")); err == nil {
			err = d.SetIOMax(max(v, 0))
		}
	default:
		if !slices.Contains(Files, name) {
			return fmt.Errorf("write %s/%s: %w", d.path, name, ErrNotFound)
		}
		return fmt.Errorf("write %s/%s: read-only: %w", d.path, name, ErrInvalid)
	}
	if err != nil {
		if _, ok := err.(*strconv.NumError); ok {
			err = fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return fmt.Errorf("write %s/%s %q: %w", d.path, name, value, err)
	}
	h.logger.Debug("control file written", "path", d.path, "file", name, "value", value)
	return nil
}

func (h *Hierarchy) writeProcs(d *Domain, value string) error {
	pid, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	t, ok := h.s.Lookup(pid)
	if !ok || t.IsIdle() {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return h.AttachTask(d, t)
}

// parseCPUMax parses "$QUOTA $PERIOD" in microseconds, where QUOTA may be
// "max" and PERIOD may be omitted.
func parseCPUMax(s string) (quota, period time.Duration, err error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("cpu.max %q: %w", s, ErrInvalid)
	}
	if fields[0] != "max" {
		q, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || q <= 0 {
			return 0, 0, fmt.Errorf("cpu.max quota %q: %w", fields[0], ErrInvalid)
		}
		quota = time.Duration(q) * time.Microsecond
	}
	if len(fields) == 2 {
		p, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || p <= 0 {
			return 0, 0, fmt.Errorf("cpu.max period %q: %w", fields[1], ErrInvalid)
		}
		period = time.Duration(p) * time.Microsecond
	}
	return quota, period, nil
}

// parseMax parses a count or "max", which maps to -1.
func parseMax(s string) (int64, error) {
	if s == "max" {
		return unlimited, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("limit %q: %w", s, ErrInvalid)
	}
	return v, nil
}

// parseBytes parses a byte size with optional unit, or "max", which maps
// to -1.
func parseBytes(s string) (int64, error) {
	if s == "max" {
		return unlimited, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil || v > 1<<62 {
		return 0, fmt.Errorf("size %q: %w", s, ErrInvalid)
	}
	return int64(v), nil
}
