/*
period.go - Period close/reopen and the post-close adjustment log

A closed period rejects direct fact writes (warehouse enforces the gate
on every period-scoped upsert); the adjustment log is the only sanctioned
mutation path. The log is evidence, not the mutation mechanism: the
caller records the change here and applies the field change itself.
*/
package batch

import (
	"context"
	"fmt"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// CLOSE / REOPEN STATE MACHINE
// =============================================================================

// Close freezes a period. Idempotent: closing a closed period refreshes
// closed_at/closed_by on the existing record.
func Close(ctx context.Context, db warehouse.DBTX, period core.Period, closedBy string) error {
	if !period.Valid() {
		return fmt.Errorf("invalid period %q", period)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ops_period_close (period, closed_at, closed_by, lock_flag)
		VALUES (?, datetime('now'), ?, 1)
		ON CONFLICT(period) DO UPDATE SET
			lock_flag = 1, closed_at = datetime('now'), closed_by = excluded.closed_by`,
		string(period), closedBy)
	if err != nil {
		return fmt.Errorf("close period %s: %w", period, err)
	}
	return nil
}

// Reopen lifts the freeze and records why.
func Reopen(ctx context.Context, db warehouse.DBTX, period core.Period, reason string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE ops_period_close SET lock_flag = 0, notes = ? WHERE period = ?`,
		"Reopened: "+reason, string(period))
	if err != nil {
		return fmt.Errorf("reopen period %s: %w", period, err)
	}
	return nil
}

// IsClosed reports the period's current state.
func IsClosed(ctx context.Context, db warehouse.DBTX, period core.Period) (bool, error) {
	return warehouse.PeriodLocked(ctx, db, period)
}

// ClosedPeriods lists all currently frozen periods, ascending.
func ClosedPeriods(ctx context.Context, db warehouse.DBTX) ([]core.Period, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT period FROM ops_period_close WHERE lock_flag = 1 ORDER BY period")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []core.Period
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		periods = append(periods, core.Period(p))
	}
	return periods, rows.Err()
}

// =============================================================================
// ADJUSTMENT LOG (append-only)
// =============================================================================

// Adjustment describes one post-close field change.
type Adjustment struct {
	AdjustmentID int64
	Period       core.Period
	TableName    string
	BusinessKey  string
	FieldName    string
	OldValue     string
	NewValue     string
	Reason       string
	AdjustedBy   string
	AdjustedAt   string
	BatchID      int64
}

// PostCloseAdjustment appends one entry and returns its id. The id comes
// from the storage engine's own sequence, so generation is atomic even
// though the system is designed single-writer.
func PostCloseAdjustment(ctx context.Context, db warehouse.DBTX, adj Adjustment) (int64, error) {
	var batchID any
	if adj.BatchID != 0 {
		batchID = adj.BatchID
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO ops_adjustment_log
		(period, table_name, business_key, field_name, old_value, new_value, reason, adjusted_by, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(adj.Period), adj.TableName, adj.BusinessKey, adj.FieldName,
		nullable(adj.OldValue), nullable(adj.NewValue), nullable(adj.Reason),
		nullable(adj.AdjustedBy), batchID)
	if err != nil {
		return 0, fmt.Errorf("append adjustment for %s: %w", adj.Period, err)
	}
	return res.LastInsertId()
}

// Adjustments returns the full audit trail for a period in id order.
func Adjustments(ctx context.Context, db warehouse.DBTX, period core.Period) ([]Adjustment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT adjustment_id, period, table_name, business_key, field_name,
		       COALESCE(old_value, ''), COALESCE(new_value, ''), COALESCE(reason, ''),
		       COALESCE(adjusted_by, ''), COALESCE(adjusted_at, ''), COALESCE(batch_id, 0)
		FROM ops_adjustment_log WHERE period = ? ORDER BY adjustment_id`, string(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		var a Adjustment
		var p string
		if err := rows.Scan(&a.AdjustmentID, &p, &a.TableName, &a.BusinessKey, &a.FieldName,
			&a.OldValue, &a.NewValue, &a.Reason, &a.AdjustedBy, &a.AdjustedAt, &a.BatchID); err != nil {
			return nil, err
		}
		a.Period = core.Period(p)
		out = append(out, a)
	}
	return out, rows.Err()
}
