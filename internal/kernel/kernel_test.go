package kernel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/config"
	"github.com/me/kcore/internal/resdomain"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
	"github.com/me/kcore/internal/store"
	"github.com/me/kcore/internal/workqueue"
	"github.com/me/kcore/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKernel(t *testing.T, cpus int) *Kernel {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CPUs = cpus
	k, err := Boot(cfg, testLogger(), WithClock(arch.NewManualClock(0)), WithManualTicks())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

// tickUntil ticks every CPU until done is closed.
func tickUntil(t *testing.T, k *Kernel, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timed out")
		default:
			k.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CPUs = 0
	_, err := Boot(cfg, testLogger())
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Boot = %v, want a validation error", err)
	}
}

func TestStartTwice(t *testing.T) {
	k := testKernel(t, 1)
	if err := k.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestSystemQueueRunsWork(t *testing.T) {
	k := testKernel(t, 2)
	ran := make(chan struct{})
	var on *sched.Task
	k.SystemQueue().Queue(workqueue.NewWork(func(cur *sched.Task, _ *workqueue.Work) {
		on = cur
		close(ran)
	}))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("work never ran")
	}
	if on != k.SystemQueue().Worker() {
		t.Errorf("work ran on %v, want the events worker", on)
	}
}

func TestSynchronizeRCUUnderTicks(t *testing.T) {
	k := testKernel(t, 2)
	p := k.Scheduler().Spawn("writer", func(p *sched.Task) {
		k.RCU().Synchronize(p)
	})
	tickUntil(t, k, p.Done())
	if st := k.Snapshot(); st.RCU.CompletedGP == 0 {
		t.Errorf("no grace period completed: %+v", st.RCU)
	}
}

func TestSnapshot(t *testing.T) {
	k := testKernel(t, 2)
	for range 10 {
		k.Tick()
	}
	snap := k.Snapshot()
	if snap.BootID != k.BootID() || snap.ID == "" {
		t.Errorf("ids: boot %q snap %q", snap.BootID, snap.ID)
	}
	if len(snap.CPUs) != 2 {
		t.Fatalf("cpus = %d", len(snap.CPUs))
	}
	for _, c := range snap.CPUs {
		if c.Ticks < 10 {
			t.Errorf("cpu %d ticks = %d, want >= 10", c.CPU, c.Ticks)
		}
	}
	if snap.Uptime != 10*k.Config().TickPeriod() {
		t.Errorf("uptime = %v", snap.Uptime)
	}
	if len(snap.Workqueues) != 1 || snap.Workqueues[0].Name != "events" {
		t.Errorf("workqueues = %+v", snap.Workqueues)
	}
	if snap.Domains != 1 {
		t.Errorf("domains = %d, want the root only", snap.Domains)
	}
}

func TestDomainLifecycle(t *testing.T) {
	k := testKernel(t, 2)
	if _, err := k.CreateDomain("/", "jobs"); err != nil {
		t.Fatal(err)
	}
	if _, err := k.CreateDomain("/missing", "x"); !errors.Is(err, resdomain.ErrNotFound) {
		t.Errorf("create under missing parent = %v", err)
	}

	release := make(chan struct{})
	p := k.Scheduler().Spawn("job", func(*sched.Task) { <-release })
	if err := k.AttachTask("/jobs", p.PID()); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}
	if err := k.AttachTask("/jobs", 99999); !errors.Is(err, resdomain.ErrNotFound) {
		t.Errorf("attach unknown pid = %v", err)
	}

	view, ok := k.Task(p.PID())
	if !ok || view.Domain != "/jobs" {
		t.Errorf("task view = %+v, %v", view, ok)
	}
	f, err := k.ReadFile("/jobs", "cgroup.procs")
	if err != nil || f.Value != strconv.Itoa(p.PID())+"\n" {
		t.Errorf("cgroup.procs = %+v, %v", f, err)
	}
	if err := k.WriteFile("/jobs", "cpu.weight", "300"); err != nil {
		t.Fatal(err)
	}
	d, _ := k.Domain("/jobs")
	if d.CPUWeight != 300 || d.Tasks != 1 || d.PidsCurrent != 1 {
		t.Errorf("domain = %+v", d)
	}
	files, err := k.ReadFiles("/jobs")
	if err != nil || len(files) != len(resdomain.Files) {
		t.Errorf("ReadFiles = %d files, %v", len(files), err)
	}

	if err := k.RemoveDomain("/jobs"); !errors.Is(err, resdomain.ErrBusy) {
		t.Errorf("remove busy domain = %v", err)
	}
	close(release)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not exit")
	}
	if err := k.RemoveDomain("/jobs"); err != nil {
		t.Fatalf("RemoveDomain: %v", err)
	}
	if ds := k.Domains(); len(ds) != 1 || ds[0].Path != "/" {
		t.Errorf("domains after remove = %+v", ds)
	}
	if k.Hierarchy().Destroyed() != 1 {
		t.Errorf("destroyed = %d", k.Hierarchy().Destroyed())
	}
}

func TestTasksFilter(t *testing.T) {
	k := testKernel(t, 1)
	release := make(chan struct{})
	defer close(release)
	sleeper := k.Scheduler().Spawn("sleeper", func(p *sched.Task) {
		var q sched.WaitQueue
		q.WaitEvent(p, func() bool {
			select {
			case <-release:
				return true
			default:
				return false
			}
		})
	})
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, _ := k.Task(sleeper.PID()); v.State == sched.TaskUninterruptible.String() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sleeper never slept")
		}
		time.Sleep(time.Millisecond)
	}
	sleeping := k.Tasks(sched.TaskUninterruptible.String())
	found := false
	for _, v := range sleeping {
		if v.PID == sleeper.PID() {
			found = true
		}
		if v.State != sched.TaskUninterruptible.String() {
			t.Errorf("filter let through %+v", v)
		}
	}
	if !found {
		t.Error("sleeper missing from filtered list")
	}
	// ksoftirqd and the events worker are kernel threads.
	var kthreads int
	for _, v := range k.Tasks("") {
		if v.Kthread {
			kthreads++
		}
	}
	if kthreads < 2 {
		t.Errorf("kthreads = %d, want ksoftirqd and the events worker", kthreads)
	}
}

func TestRecorderStoresSnapshots(t *testing.T) {
	k := testKernel(t, 2)
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	r := NewRecorder(k, st, RecorderConfig{Interval: 5 * time.Millisecond, Keep: 3}, testLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, total, err := st.ListSnapshots(ctx, model.ListOptions{BootID: k.BootID()})
		if err == nil && total >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder stored no snapshots")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Start returned %v", err)
	}

	boot, err := st.GetBoot(ctx, k.BootID())
	if err != nil || boot == nil {
		t.Fatalf("boot not recorded: %v", err)
	}
	if boot.CPUs != 2 || boot.Snapshots > 3 {
		t.Errorf("boot = %+v", boot)
	}
	latest, _ := st.LatestSnapshot(ctx, k.BootID())
	if latest == nil || len(latest.CPUs) != 2 {
		t.Errorf("latest = %+v", latest)
	}
}

func TestBootRoutesSpinlockWarnings(t *testing.T) {
	var buf bytes.Buffer
	k, err := Boot(config.DefaultConfig(), slog.New(slog.NewTextHandler(&buf, nil)),
		WithClock(arch.NewManualClock(0)), WithManualTicks())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer k.Shutdown()

	spin.Logger().Warn("spinlock held too long, possible deadlock")
	if out := buf.String(); !strings.Contains(out, "component=spin") || !strings.Contains(out, "possible deadlock") {
		t.Errorf("spin warning not in the boot logger: %q", out)
	}
}
