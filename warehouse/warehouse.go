/*
Package warehouse provides the SQLite-backed analytics database.

PURPOSE:
  One database, four logical areas distinguished by table prefix:

    raw_*   batch/file/DQ/lock logs (pipeline bookkeeping)
    core_*  dimensions + facts, every fact row tagged with load_batch_id
    mart_*  derived outputs, disposable and fully rebuilt each run
    ops_*   period-close ledger, adjustment log, issue log

  core and ops are the only areas with long-lived history. mart is always
  recomputable from core + ops, so rebuilds are DELETE + INSERT, never
  incremental patches.

SYSTEM COLUMNS:
  Every core fact carries source_system, load_batch_id, source_file_hash,
  source_pk, loaded_at. load_batch_id is what makes rollback-by-batch
  possible.

CLOSED-PERIOD ENFORCEMENT:
  Fact inserts that are scoped to an accounting period consult
  ops_period_close first and fail with core.PeriodClosedError while the
  period's lock_flag is set. See facts.go.

WAL MODE:
  SQLite is opened with WAL so dashboard readers don't block the single
  batch writer.

SEE ALSO:
  - facts.go:  core fact/dim row types, gated inserts, readers
  - marts.go:  mart row types, replace-writers, readers
  - issues.go: ops issue log
*/
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every engine can run
// against the live database or inside a dry-run transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Warehouse wraps the SQLite handle. Migration is explicit (--init), not
// automatic on open, so --status can report an uninitialized store instead
// of silently creating one.
type Warehouse struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logrus.Entry
}

// Open opens (or creates) the database file. Use ":memory:" in tests.
func Open(path string, log *logrus.Logger) (*Warehouse, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	// One writer at a time; the batch lock serializes runs above this.
	db.SetMaxOpenConns(1)
	return &Warehouse{db: db, log: log.WithField("component", "warehouse")}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

// DB exposes the handle as a DBTX for engines running outside a transaction.
func (w *Warehouse) DB() DBTX { return w.db }

// Begin starts a transaction; dry runs wrap the whole mart rebuild in one
// and roll it back.
func (w *Warehouse) Begin(ctx context.Context) (*sql.Tx, error) {
	return w.db.BeginTx(ctx, nil)
}

// Initialized reports whether the schema exists.
func (w *Warehouse) Initialized(ctx context.Context) (bool, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'raw_system_batch_lock'",
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Migrate creates all schemas idempotently and seeds the singleton lock row.
func (w *Warehouse) Migrate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate warehouse: %w", err)
	}

	// Seed the singleton lock row.
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO raw_system_batch_lock (lock_id, locked, pid, started_at)
		SELECT 1, 0, NULL, NULL
		WHERE NOT EXISTS (SELECT 1 FROM raw_system_batch_lock WHERE lock_id = 1)
	`)
	if err != nil {
		return fmt.Errorf("seed batch lock: %w", err)
	}

	w.log.Info("warehouse migrated")
	return nil
}

// CoreFactTables lists every table rollback must sweep by load_batch_id.
// Order does not matter; the set must.
var CoreFactTables = []string{
	"core_fact_order",
	"core_fact_shipment",
	"core_fact_return",
	"core_fact_settlement",
	"core_fact_charge_actual",
	"core_fact_exchange_rate",
	"core_fact_cost_structure",
}

// MartTables lists every derived table, all fully replaced each run.
var MartTables = []string{
	"mart_charge_allocated",
	"mart_coverage_period",
	"mart_pnl_revenue",
	"mart_pnl_cogs",
	"mart_pnl_gross_margin",
	"mart_pnl_variable_cost",
	"mart_pnl_contribution",
	"mart_pnl_operating_profit",
	"mart_pnl_waterfall_summary",
	"mart_reco_charges_invoice_vs_allocated",
}

// RowCounts returns per-table row counts for --status. Missing tables are
// reported as core.ErrUninitialized.
func (w *Warehouse) RowCounts(ctx context.Context) (map[string]int64, error) {
	ok, err := w.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrUninitialized
	}

	rows, err := w.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(names))
	for _, name := range names {
		var n int64
		if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+name).Scan(&n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}

const schema = `
-- ============================================================
-- RAW: pipeline bookkeeping
-- ============================================================
CREATE TABLE IF NOT EXISTS raw_system_batch_log (
	batch_id INTEGER PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	file_count INTEGER DEFAULT 0,
	rows_ingested INTEGER DEFAULT 0,
	error_msg TEXT
);

-- Singleton: CHECK (lock_id = 1) makes a second row impossible.
CREATE TABLE IF NOT EXISTS raw_system_batch_lock (
	lock_id INTEGER PRIMARY KEY DEFAULT 1,
	locked INTEGER NOT NULL DEFAULT 0,
	pid INTEGER,
	started_at TEXT,
	CHECK (lock_id = 1)
);

CREATE TABLE IF NOT EXISTS raw_system_file_log (
	batch_id INTEGER NOT NULL,
	file_name TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	table_name TEXT,
	row_count INTEGER DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error_msg TEXT,
	processed_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS raw_system_dq_report (
	batch_id INTEGER NOT NULL,
	file_name TEXT,
	table_name TEXT,
	check_name TEXT NOT NULL,
	severity TEXT NOT NULL,
	passed INTEGER NOT NULL,
	detail TEXT,
	checked_at TEXT DEFAULT (datetime('now'))
);

-- ============================================================
-- CORE: dimensions
-- ============================================================
CREATE TABLE IF NOT EXISTS core_dim_charge_policy (
	charge_type TEXT PRIMARY KEY,
	charge_domain TEXT NOT NULL,
	cost_stage TEXT NOT NULL,
	capitalizable_flag INTEGER NOT NULL DEFAULT 0,
	default_allocation_basis TEXT NOT NULL,
	severity_if_missing TEXT NOT NULL DEFAULT 'warn',
	loaded_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS core_dim_channel_store (
	channel_store_id TEXT PRIMARY KEY,
	channel TEXT,
	store TEXT,
	country TEXT,
	settlement_currency TEXT,
	loaded_at TEXT DEFAULT (datetime('now'))
);

-- ============================================================
-- CORE: facts (all carry system columns + load_batch_id)
-- ============================================================
CREATE TABLE IF NOT EXISTS core_fact_order (
	channel_order_id TEXT NOT NULL,
	line_no INTEGER NOT NULL,
	order_date TEXT NOT NULL,
	channel_store_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	qty_ordered REAL NOT NULL,
	currency TEXT,
	source_system TEXT NOT NULL,
	load_batch_id INTEGER NOT NULL,
	source_file_hash TEXT NOT NULL,
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (channel_order_id, line_no)
);

CREATE TABLE IF NOT EXISTS core_fact_shipment (
	shipment_id TEXT NOT NULL,
	ship_date TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	qty_shipped REAL NOT NULL,
	lot_id TEXT NOT NULL DEFAULT '__NONE__',
	weight REAL,
	volume_cbm REAL,
	channel_order_id TEXT,
	channel_store_id TEXT,
	source_system TEXT NOT NULL,
	load_batch_id INTEGER NOT NULL,
	source_file_hash TEXT NOT NULL,
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (shipment_id, item_id, lot_id)
);

CREATE INDEX IF NOT EXISTS idx_shipment_batch ON core_fact_shipment(load_batch_id);
CREATE INDEX IF NOT EXISTS idx_shipment_item_date ON core_fact_shipment(item_id, ship_date);

CREATE TABLE IF NOT EXISTS core_fact_return (
	return_id TEXT NOT NULL,
	return_date TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	qty_returned REAL NOT NULL,
	lot_id TEXT NOT NULL DEFAULT '__NONE__',
	channel_order_id TEXT,
	reason TEXT,
	source_system TEXT NOT NULL,
	load_batch_id INTEGER NOT NULL,
	source_file_hash TEXT NOT NULL,
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (return_id, item_id, lot_id)
);

CREATE TABLE IF NOT EXISTS core_fact_settlement (
	settlement_id TEXT NOT NULL,
	line_no INTEGER NOT NULL,
	period TEXT NOT NULL,
	channel_store_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	item_id TEXT,
	gross_sales TEXT,
	discounts TEXT,
	fees TEXT,
	refunds TEXT,
	net_payout TEXT,
	source_system TEXT NOT NULL,
	load_batch_id INTEGER NOT NULL,
	source_file_hash TEXT NOT NULL,
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (settlement_id, line_no)
);

CREATE INDEX IF NOT EXISTS idx_settlement_period ON core_fact_settlement(period);

CREATE TABLE IF NOT EXISTS core_fact_charge_actual (
	invoice_no TEXT NOT NULL,
	invoice_line_no INTEGER NOT NULL,
	charge_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	period TEXT NOT NULL,
	invoice_date TEXT,
	vendor_partner_id TEXT,
	channel_store_id TEXT,
	warehouse_id TEXT,
	country TEXT,
	source_system TEXT NOT NULL,
	load_batch_id INTEGER NOT NULL,
	source_file_hash TEXT NOT NULL,
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (invoice_no, invoice_line_no, charge_type)
);

CREATE INDEX IF NOT EXISTS idx_charge_period ON core_fact_charge_actual(period, charge_type);

CREATE TABLE IF NOT EXISTS core_fact_exchange_rate (
	period TEXT NOT NULL,
	currency TEXT NOT NULL,
	rate_to_krw TEXT NOT NULL,
	source_system TEXT NOT NULL DEFAULT 'manual',
	load_batch_id INTEGER NOT NULL DEFAULT 0,
	source_file_hash TEXT NOT NULL DEFAULT '',
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (period, currency)
);

CREATE TABLE IF NOT EXISTS core_fact_cost_structure (
	item_id TEXT NOT NULL,
	cost_component TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	cost_per_unit_krw TEXT NOT NULL,
	source_system TEXT NOT NULL DEFAULT 'manual',
	load_batch_id INTEGER NOT NULL DEFAULT 0,
	source_file_hash TEXT NOT NULL DEFAULT '',
	source_pk TEXT,
	loaded_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (item_id, cost_component, effective_from)
);

-- ============================================================
-- MART: derived, always rebuilt wholesale
-- ============================================================
CREATE TABLE IF NOT EXISTS mart_charge_allocated (
	period TEXT,
	charge_type TEXT,
	charge_domain TEXT,
	cost_stage TEXT,
	invoice_no TEXT,
	invoice_line_no INTEGER,
	item_id TEXT,
	warehouse_id TEXT,
	channel_store_id TEXT,
	lot_id TEXT,
	allocation_basis TEXT,
	basis_value TEXT,
	allocated_amount TEXT,
	allocated_amount_krw TEXT,
	currency TEXT,
	capitalizable_flag INTEGER
);

CREATE TABLE IF NOT EXISTS mart_coverage_period (
	period TEXT,
	domain TEXT,
	coverage_rate REAL,
	included_rows INTEGER,
	missing_rows INTEGER,
	severity TEXT,
	is_closed_period INTEGER
);

CREATE TABLE IF NOT EXISTS mart_pnl_revenue (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	gross_sales_krw TEXT,
	discounts_krw TEXT,
	refunds_krw TEXT,
	net_revenue_krw TEXT,
	source TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_cogs (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	qty_shipped REAL,
	qty_returned REAL,
	qty_net REAL,
	unit_cost_krw TEXT,
	cogs_krw TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_gross_margin (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	net_revenue_krw TEXT,
	cogs_krw TEXT,
	gross_margin_krw TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_variable_cost (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	charge_domain TEXT,
	charge_type TEXT,
	allocated_amount_krw TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_contribution (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	gross_margin_krw TEXT,
	total_variable_cost_krw TEXT,
	contribution_krw TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_operating_profit (
	period TEXT,
	item_id TEXT,
	channel_store_id TEXT,
	country TEXT,
	contribution_krw TEXT,
	fixed_cost_krw TEXT,
	operating_profit_krw TEXT,
	coverage_flag TEXT
);

CREATE TABLE IF NOT EXISTS mart_pnl_waterfall_summary (
	period TEXT,
	metric_name TEXT,
	metric_order INTEGER,
	amount_krw TEXT
);

CREATE TABLE IF NOT EXISTS mart_reco_charges_invoice_vs_allocated (
	period TEXT,
	charge_type TEXT,
	invoice_total TEXT,
	allocated_total TEXT,
	delta TEXT,
	tied INTEGER
);

-- ============================================================
-- OPS: period-close ledger, adjustments, issues
-- ============================================================
CREATE TABLE IF NOT EXISTS ops_period_close (
	period TEXT PRIMARY KEY,
	closed_at TEXT,
	closed_by TEXT,
	lock_flag INTEGER NOT NULL DEFAULT 0,
	notes TEXT
);

-- AUTOINCREMENT keeps adjustment ids strictly increasing and atomic;
-- no MAX+1 read-modify-write.
CREATE TABLE IF NOT EXISTS ops_adjustment_log (
	adjustment_id INTEGER PRIMARY KEY AUTOINCREMENT,
	period TEXT NOT NULL,
	table_name TEXT NOT NULL,
	business_key TEXT NOT NULL,
	field_name TEXT NOT NULL,
	old_value TEXT,
	new_value TEXT,
	reason TEXT,
	adjusted_by TEXT,
	adjusted_at TEXT DEFAULT (datetime('now')),
	batch_id INTEGER
);

CREATE TABLE IF NOT EXISTS ops_issue_log (
	issue_id TEXT PRIMARY KEY,
	issue_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	domain TEXT,
	entity_type TEXT,
	entity_id TEXT,
	period TEXT,
	detail TEXT,
	created_at TEXT DEFAULT (datetime('now')),
	resolved_at TEXT
);
`
