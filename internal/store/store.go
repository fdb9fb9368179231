package store

import (
	"context"

	"github.com/me/kcore/pkg/model"
)

// Store persists kernel boots and their statistics snapshots.
type Store interface {
	// Boots
	RecordBoot(ctx context.Context, info model.KernelInfo, config string) error
	GetBoot(ctx context.Context, id string) (*Boot, error)
	ListBoots(ctx context.Context) ([]*Boot, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	LatestSnapshot(ctx context.Context, bootID string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, opts model.ListOptions) ([]*model.Snapshot, int, error)
	PruneSnapshots(ctx context.Context, bootID string, keep int) (int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Boot is a recorded kernel boot.
type Boot struct {
	model.KernelInfo
	Config    string `json:"config"`
	Snapshots int    `json:"snapshots"`
}
