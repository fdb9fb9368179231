package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/kcore/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Boots ---

func (s *SQLiteStore) RecordBoot(ctx context.Context, info model.KernelInfo, config string) error {
	s.logger.Debug("sql", "op", "insert", "table", "boots", "id", info.BootID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boots (id, cpus, tick_hz, booted_at, config) VALUES (?, ?, ?, ?, ?)`,
		info.BootID, info.CPUs, info.TickHz, info.BootedAt.Format(time.RFC3339Nano), config,
	)
	if err != nil {
		return fmt.Errorf("record boot %s: %w", info.BootID, err)
	}
	return nil
}

const bootColumns = `b.id, b.cpus, b.tick_hz, b.booted_at, b.config,
	(SELECT COUNT(*) FROM snapshots WHERE boot_id = b.id)`

func scanBoot(row interface{ Scan(...any) error }) (*Boot, error) {
	var b Boot
	var bootedAt string
	if err := row.Scan(&b.BootID, &b.CPUs, &b.TickHz, &bootedAt, &b.Config, &b.Snapshots); err != nil {
		return nil, err
	}
	b.BootedAt, _ = time.Parse(time.RFC3339Nano, bootedAt)
	return &b, nil
}

func (s *SQLiteStore) GetBoot(ctx context.Context, id string) (*Boot, error) {
	s.logger.Debug("sql", "op", "select", "table", "boots", "id", id)
	b, err := scanBoot(s.db.QueryRowContext(ctx, `SELECT `+bootColumns+` FROM boots b WHERE b.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) ListBoots(ctx context.Context) ([]*Boot, error) {
	s.logger.Debug("sql", "op", "list", "table", "boots")
	rows, err := s.db.QueryContext(ctx, `SELECT `+bootColumns+` FROM boots b ORDER BY b.booted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boots []*Boot
	for rows.Next() {
		b, err := scanBoot(rows)
		if err != nil {
			return nil, err
		}
		boots = append(boots, b)
	}
	return boots, rows.Err()
}

// --- Snapshots ---

// SaveSnapshot stores snap and its per-CPU rows in one transaction. The
// boot it belongs to must have been recorded.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	s.logger.Debug("sql", "op", "insert", "table", "snapshots", "id", snap.ID, "cpus", len(snap.CPUs))

	wqJSON, err := json.Marshal(snap.Workqueues)
	if err != nil {
		return fmt.Errorf("marshal workqueues: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, boot_id, taken_at, uptime_ns, tasks, domains, domains_destroyed,
			rcu_gp, rcu_completed, srcu_completed, workqueues)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.BootID, snap.TakenAt.Format(time.RFC3339Nano), int64(snap.Uptime),
		snap.Tasks, snap.Domains, int64(snap.DomainsDestroyed),
		int64(snap.RCU.CurrentGP), int64(snap.RCU.CompletedGP), int64(snap.RCU.SRCUCompleted),
		string(wqJSON),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cpu_stats (snapshot_id, cpu, curr, nr_running, need_resched, switches, ticks,
			deferred_ticks, wakeups, migrations, balances, ipis, yields, throttles, load_avg, util_avg,
			softirq_pending, softirq_handoffs, rcu_queued, rcu_invoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range snap.CPUs {
		_, err := stmt.ExecContext(ctx, snap.ID, c.CPU, c.Curr, c.NrRunning, c.NeedResched,
			int64(c.Switches), int64(c.Ticks), int64(c.DeferredTicks), int64(c.Wakeups),
			int64(c.Migrations), int64(c.Balances), int64(c.IPIs), int64(c.Yields), int64(c.Throttles),
			int64(c.LoadAvg), int64(c.UtilAvg), int64(c.SoftirqPending), int64(c.SoftirqHandoffs),
			c.RCUQueued, int64(c.RCUInvoked))
		if err != nil {
			return fmt.Errorf("insert cpu %d of snapshot %s: %w", c.CPU, snap.ID, err)
		}
	}
	return tx.Commit()
}

const snapshotColumns = `id, boot_id, taken_at, uptime_ns, tasks, domains, domains_destroyed,
	rcu_gp, rcu_completed, srcu_completed, workqueues`

func scanSnapshot(row interface{ Scan(...any) error }) (*model.Snapshot, error) {
	var snap model.Snapshot
	var takenAt, wqJSON string
	var uptime int64
	if err := row.Scan(&snap.ID, &snap.BootID, &takenAt, &uptime, &snap.Tasks, &snap.Domains,
		&snap.DomainsDestroyed, &snap.RCU.CurrentGP, &snap.RCU.CompletedGP, &snap.RCU.SRCUCompleted,
		&wqJSON); err != nil {
		return nil, err
	}
	snap.TakenAt, _ = time.Parse(time.RFC3339Nano, takenAt)
	snap.Uptime = time.Duration(uptime)
	if err := json.Unmarshal([]byte(wqJSON), &snap.Workqueues); err != nil {
		return nil, fmt.Errorf("unmarshal workqueues: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) loadCPUs(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cpu, curr, nr_running, need_resched, switches, ticks, deferred_ticks, wakeups,
			migrations, balances, ipis, yields, throttles, load_avg, util_avg,
			softirq_pending, softirq_handoffs, rcu_queued, rcu_invoked
		 FROM cpu_stats WHERE snapshot_id = ? ORDER BY cpu`, snap.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.CPUStat
		if err := rows.Scan(&c.CPU, &c.Curr, &c.NrRunning, &c.NeedResched, &c.Switches, &c.Ticks,
			&c.DeferredTicks, &c.Wakeups, &c.Migrations, &c.Balances, &c.IPIs, &c.Yields,
			&c.Throttles, &c.LoadAvg, &c.UtilAvg, &c.SoftirqPending, &c.SoftirqHandoffs,
			&c.RCUQueued, &c.RCUInvoked); err != nil {
			return err
		}
		snap.CPUs = append(snap.CPUs, c)
	}
	return rows.Err()
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	s.logger.Debug("sql", "op", "select", "table", "snapshots", "id", id)
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCPUs(ctx, snap); err != nil {
		return nil, fmt.Errorf("load cpus of %s: %w", id, err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of bootID, or of any boot if
// bootID is empty. It returns nil if there is none.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, bootID string) (*model.Snapshot, error) {
	s.logger.Debug("sql", "op", "select_latest", "table", "snapshots", "boot_id", bootID)
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	var args []any
	if bootID != "" {
		query += ` WHERE boot_id = ?`
		args = append(args, bootID)
	}
	query += ` ORDER BY taken_at DESC, rowid DESC LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCPUs(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots lists snapshots newest first without their per-CPU rows.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, opts model.ListOptions) ([]*model.Snapshot, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "snapshots", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.BootID != "" {
		whereClauses = append(whereClauses, "boot_id = ?")
		countArgs = append(countArgs, opts.BootID)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + snapshotColumns + ` FROM snapshots` + whereSQL +
		` ORDER BY taken_at DESC, rowid DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, total, rows.Err()
}

// PruneSnapshots deletes all but the keep newest snapshots of bootID and
// returns how many were deleted.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, bootID string, keep int) (int, error) {
	s.logger.Debug("sql", "op", "prune", "table", "snapshots", "boot_id", bootID, "keep", keep)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE boot_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE boot_id = ? ORDER BY taken_at DESC, rowid DESC LIMIT ?
		)`, bootID, bootID, max(keep, 0))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
