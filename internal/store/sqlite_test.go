package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/kcore/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleBoot(id string) model.KernelInfo {
	return model.KernelInfo{
		BootID:   id,
		BootedAt: time.Now().UTC().Truncate(time.Millisecond),
		CPUs:     2,
		TickHz:   250,
	}
}

func sampleSnapshot(id, bootID string, at time.Time) *model.Snapshot {
	return &model.Snapshot{
		ID:               id,
		BootID:           bootID,
		TakenAt:          at,
		Uptime:           3 * time.Second,
		Tasks:            7,
		Domains:          2,
		DomainsDestroyed: 1,
		RCU:              model.RCUStat{CurrentGP: 12, CompletedGP: 11, SRCUCompleted: 4},
		Workqueues:       []model.WorkqueueStat{{Name: "events", Executed: 9, Worker: 5}},
		CPUs: []model.CPUStat{
			{CPU: 0, Curr: "swapper/0", Switches: 100, Ticks: 750, Wakeups: 40, LoadAvg: 512, RCUInvoked: 3},
			{CPU: 1, Curr: "yield/3", NrRunning: 2, NeedResched: true, Switches: 80, Ticks: 750, DeferredTicks: 2, SoftirqHandoffs: 1},
		},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordAndListBoots(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := sampleBoot("boot-1")
	second := sampleBoot("boot-2")
	second.BootedAt = first.BootedAt.Add(time.Minute)
	for _, b := range []model.KernelInfo{first, second} {
		if err := st.RecordBoot(ctx, b, "cpus: 2\n"); err != nil {
			t.Fatalf("RecordBoot: %v", err)
		}
	}
	if err := st.RecordBoot(ctx, first, ""); err == nil {
		t.Error("duplicate boot id accepted")
	}

	got, err := st.GetBoot(ctx, "boot-1")
	if err != nil || got == nil {
		t.Fatalf("GetBoot = %v, %v", got, err)
	}
	if got.CPUs != 2 || got.Config != "cpus: 2\n" || !got.BootedAt.Equal(first.BootedAt) {
		t.Errorf("boot = %+v", got)
	}
	if missing, err := st.GetBoot(ctx, "nope"); missing != nil || err != nil {
		t.Errorf("GetBoot(missing) = %v, %v", missing, err)
	}

	boots, err := st.ListBoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(boots) != 2 || boots[0].BootID != "boot-2" {
		t.Errorf("ListBoots order wrong: %d boots, first %q", len(boots), boots[0].BootID)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.RecordBoot(ctx, sampleBoot("boot-1"), ""); err != nil {
		t.Fatal(err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	want := sampleSnapshot("snap-1", "boot-1", at)
	if err := st.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := st.GetSnapshot(ctx, "snap-1")
	if err != nil || got == nil {
		t.Fatalf("GetSnapshot = %v, %v", got, err)
	}
	if !got.TakenAt.Equal(at) || got.Uptime != want.Uptime || got.RCU != want.RCU || got.DomainsDestroyed != 1 {
		t.Errorf("snapshot header = %+v", got)
	}
	if len(got.CPUs) != 2 || got.CPUs[1] != want.CPUs[1] || got.CPUs[0] != want.CPUs[0] {
		t.Errorf("cpus = %+v", got.CPUs)
	}
	if len(got.Workqueues) != 1 || got.Workqueues[0] != want.Workqueues[0] {
		t.Errorf("workqueues = %+v", got.Workqueues)
	}
	if got.TotalSwitches() != 180 {
		t.Errorf("total switches = %d", got.TotalSwitches())
	}

	boot, _ := st.GetBoot(ctx, "boot-1")
	if boot.Snapshots != 1 {
		t.Errorf("boot snapshot count = %d", boot.Snapshots)
	}
}

func TestSnapshotRequiresBoot(t *testing.T) {
	st := testStore(t)
	snap := sampleSnapshot("snap-1", "unknown-boot", time.Now().UTC())
	if err := st.SaveSnapshot(context.Background(), snap); err == nil {
		t.Fatal("snapshot of an unrecorded boot accepted")
	}
	if got, _ := st.GetSnapshot(context.Background(), "snap-1"); got != nil {
		t.Error("failed save left a snapshot behind")
	}
}

func TestListAndPruneSnapshots(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for _, b := range []string{"boot-1", "boot-2"} {
		if err := st.RecordBoot(ctx, sampleBoot(b), ""); err != nil {
			t.Fatal(err)
		}
	}
	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		if err := st.SaveSnapshot(ctx, sampleSnapshot(fmt.Sprintf("a-%d", i), "boot-1", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SaveSnapshot(ctx, sampleSnapshot("b-0", "boot-2", base)); err != nil {
		t.Fatal(err)
	}

	snaps, total, err := st.ListSnapshots(ctx, model.ListOptions{Limit: 2, BootID: "boot-1"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(snaps) != 2 || snaps[0].ID != "a-4" || snaps[1].ID != "a-3" {
		t.Errorf("list = total %d, %d items, first %q", total, len(snaps), snaps[0].ID)
	}
	if _, total, _ := st.ListSnapshots(ctx, model.ListOptions{}); total != 6 {
		t.Errorf("unfiltered total = %d, want 6", total)
	}

	latest, err := st.LatestSnapshot(ctx, "boot-1")
	if err != nil || latest == nil || latest.ID != "a-4" || len(latest.CPUs) != 2 {
		t.Fatalf("LatestSnapshot = %+v, %v", latest, err)
	}

	n, err := st.PruneSnapshots(ctx, "boot-1", 2)
	if err != nil || n != 3 {
		t.Fatalf("PruneSnapshots = %d, %v; want 3", n, err)
	}
	if _, total, _ := st.ListSnapshots(ctx, model.ListOptions{BootID: "boot-1"}); total != 2 {
		t.Errorf("after prune total = %d", total)
	}
	if got, _ := st.GetSnapshot(ctx, "b-0"); got == nil {
		t.Error("prune removed another boot's snapshot")
	}
	if got, _ := st.GetSnapshot(ctx, "a-0"); got != nil {
		t.Error("oldest snapshot survived the prune")
	}
}
