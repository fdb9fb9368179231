package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all kcore tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS boots (
		id        TEXT PRIMARY KEY,
		cpus      INTEGER NOT NULL,
		tick_hz   INTEGER NOT NULL,
		booted_at TEXT NOT NULL,
		config    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id             TEXT PRIMARY KEY,
		boot_id        TEXT NOT NULL REFERENCES boots(id) ON DELETE CASCADE,
		taken_at       TEXT NOT NULL,
		uptime_ns      INTEGER NOT NULL,
		tasks          INTEGER NOT NULL,
		domains        INTEGER NOT NULL,
		rcu_gp         INTEGER NOT NULL DEFAULT 0,
		rcu_completed  INTEGER NOT NULL DEFAULT 0,
		srcu_completed INTEGER NOT NULL DEFAULT 0,
		workqueues     TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS cpu_stats (
		snapshot_id      TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		cpu              INTEGER NOT NULL,
		curr             TEXT NOT NULL DEFAULT '',
		nr_running       INTEGER NOT NULL,
		need_resched     INTEGER NOT NULL DEFAULT 0,
		switches         INTEGER NOT NULL,
		ticks            INTEGER NOT NULL,
		deferred_ticks   INTEGER NOT NULL,
		wakeups          INTEGER NOT NULL,
		migrations       INTEGER NOT NULL,
		balances         INTEGER NOT NULL,
		ipis             INTEGER NOT NULL,
		yields           INTEGER NOT NULL,
		throttles        INTEGER NOT NULL,
		load_avg         INTEGER NOT NULL,
		util_avg         INTEGER NOT NULL,
		softirq_pending  INTEGER NOT NULL DEFAULT 0,
		softirq_handoffs INTEGER NOT NULL DEFAULT 0,
		rcu_queued       INTEGER NOT NULL DEFAULT 0,
		rcu_invoked      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (snapshot_id, cpu)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_snapshots_boot_taken ON snapshots(boot_id, taken_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "snapshots",
		column:   "domains_destroyed",
		alterSQL: "ALTER TABLE snapshots ADD COLUMN domains_destroyed INTEGER NOT NULL DEFAULT 0",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
