package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/kcore/internal/store"
	"github.com/me/kcore/pkg/model"
)

// RecorderConfig holds snapshot recorder configuration.
type RecorderConfig struct {
	Interval time.Duration
	// Keep bounds the snapshots stored per boot; zero keeps all.
	Keep int
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{Interval: 5 * time.Second, Keep: 720}
}

// Recorder periodically writes kernel snapshots to a store.
type Recorder struct {
	k      *Kernel
	store  store.Store
	config RecorderConfig
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	last   *model.Snapshot
}

// NewRecorder creates a recorder for k.
func NewRecorder(k *Kernel, st store.Store, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		k:      k,
		store:  st,
		config: cfg,
		logger: logger.With("component", "recorder"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start records the boot and then a snapshot every interval. Blocks until
// ctx is cancelled or Stop is called; a final snapshot is taken on the way
// out.
func (r *Recorder) Start(ctx context.Context) error {
	defer close(r.doneCh)
	cfgYAML, err := r.k.Config().Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := r.store.RecordBoot(ctx, r.k.Info(), string(cfgYAML)); err != nil {
		return err
	}
	r.logger.Info("recorder started", "boot_id", r.k.BootID(), "interval", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recorder stopping (context cancelled)")
			r.final()
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("recorder stopping (stop called)")
			r.final()
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("tick error", "error", err)
			}
		}
	}
}

func (r *Recorder) final() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Tick(ctx); err != nil {
		r.logger.Error("final snapshot", "error", err)
	}
}

// Stop ends the loop and waits for the final snapshot.
func (r *Recorder) Stop() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

// Tick takes and stores one snapshot, then prunes old ones.
func (r *Recorder) Tick(ctx context.Context) error {
	snap := r.k.Snapshot()
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if prev := r.last; prev != nil {
		r.logger.Debug("snapshot",
			"id", snap.ID,
			"switches", snap.TotalSwitches()-min(prev.TotalSwitches(), snap.TotalSwitches()),
			"tasks", snap.Tasks,
			"rcu_completed", snap.RCU.CompletedGP)
	}
	r.last = snap

	if r.config.Keep > 0 {
		n, err := r.store.PruneSnapshots(ctx, r.k.BootID(), r.config.Keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		if n > 0 {
			r.logger.Debug("snapshots pruned", "count", n)
		}
	}
	return nil
}
