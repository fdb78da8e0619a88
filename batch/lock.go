/*
Package batch owns run concurrency and period administration:

  - the singleton batch lock serializing pipeline runs
  - the batch log with monotonically increasing batch ids
  - rollback-by-batch over the core fact tables
  - the period-close ledger and the append-only adjustment log

PURPOSE:
  Exactly one pipeline run may mutate facts at a time. Acquisition flips
  the lock row's locked flag in a single conditional UPDATE, so two
  concurrent acquirers are serialized by the storage engine itself: one
  sees rows-affected 1, the other 0 and a LockHeldError with the holder's
  pid. A stuck lock from a crashed process is cleared only by an explicit
  operator --unlock, never automatically.

DESIGN PRINCIPLES:
  1. Fail fast on contention; no queueing, no retry.
  2. The batch log is always finalized: release takes the terminal
     status, success or failed, and stamps the error message.
  3. Rollback deletes by load_batch_id and marks batches rolled_back;
     mart rebuild afterwards is total, never incremental (pipeline's
     job).

SEE ALSO:
  - period.go: close/reopen state machine + adjustment log
*/
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// BATCH STATUS
// =============================================================================

const (
	StatusRunning    = "running"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// Info is one batch log row.
type Info struct {
	BatchID      int64
	StartedAt    string
	FinishedAt   string
	Status       string
	FileCount    int64
	RowsIngested int64
	ErrorMsg     string
}

// LockState is the singleton lock row for --status.
type LockState struct {
	Locked    bool
	PID       int
	StartedAt string
}

// =============================================================================
// LOCK + BATCH LIFECYCLE
// =============================================================================

// Acquire atomically flips the lock and opens a new batch log row in
// 'running' state. Returns the new batch id, or LockHeldError with the
// holder's pid when the lock is already taken.
func Acquire(ctx context.Context, db warehouse.DBTX, pid int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE raw_system_batch_lock
		SET locked = 1, pid = ?, started_at = datetime('now')
		WHERE lock_id = 1 AND locked = 0`, pid)
	if err != nil {
		return 0, fmt.Errorf("acquire batch lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		state, err := Lock(ctx, db)
		if err != nil {
			return 0, err
		}
		return 0, &core.LockHeldError{PID: state.PID}
	}

	// Single writer under the lock: MAX+1 cannot race here.
	var batchID int64
	err = db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(batch_id), 0) + 1 FROM raw_system_batch_log").Scan(&batchID)
	if err != nil {
		return 0, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO raw_system_batch_log (batch_id, started_at, status)
		VALUES (?, datetime('now'), ?)`, batchID, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("open batch %d: %w", batchID, err)
	}
	return batchID, nil
}

// Release clears the lock and finalizes the batch log row. It is called
// on every exit path, success or failure, so no batch is left 'running'
// except by process crash.
func Release(ctx context.Context, db warehouse.DBTX, batchID int64, status, errMsg string) error {
	if _, err := db.ExecContext(ctx, `
		UPDATE raw_system_batch_lock
		SET locked = 0, pid = NULL, started_at = NULL
		WHERE lock_id = 1`); err != nil {
		return fmt.Errorf("release batch lock: %w", err)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE raw_system_batch_log
		SET finished_at = datetime('now'), status = ?, error_msg = ?
		WHERE batch_id = ?`, status, nullable(errMsg), batchID)
	if err != nil {
		return fmt.Errorf("finalize batch %d: %w", batchID, err)
	}
	return nil
}

// ForceUnlock clears a stuck lock without touching the batch log. The
// crashed batch stays 'running' in the log as evidence.
func ForceUnlock(ctx context.Context, db warehouse.DBTX) error {
	_, err := db.ExecContext(ctx, `
		UPDATE raw_system_batch_lock
		SET locked = 0, pid = NULL, started_at = NULL
		WHERE lock_id = 1`)
	if err != nil {
		return fmt.Errorf("force unlock: %w", err)
	}
	return nil
}

// Lock reads the singleton lock row.
func Lock(ctx context.Context, db warehouse.DBTX) (LockState, error) {
	var state LockState
	var locked int
	var pid sql.NullInt64
	var startedAt sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT locked, pid, started_at FROM raw_system_batch_lock WHERE lock_id = 1",
	).Scan(&locked, &pid, &startedAt)
	if err != nil {
		return state, err
	}
	state.Locked = locked != 0
	state.PID = int(pid.Int64)
	state.StartedAt = startedAt.String
	return state, nil
}

// UpdateCounts records ingest volume on a running batch.
func UpdateCounts(ctx context.Context, db warehouse.DBTX, batchID, fileCount, rowsIngested int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE raw_system_batch_log SET file_count = ?, rows_ingested = ? WHERE batch_id = ?`,
		fileCount, rowsIngested, batchID)
	return err
}

// LastBatch returns the most recent batch log row, or nil when the log
// is empty.
func LastBatch(ctx context.Context, db warehouse.DBTX) (*Info, error) {
	row := db.QueryRowContext(ctx, `
		SELECT batch_id, started_at, COALESCE(finished_at, ''), status,
		       file_count, rows_ingested, COALESCE(error_msg, '')
		FROM raw_system_batch_log ORDER BY batch_id DESC LIMIT 1`)

	var info Info
	err := row.Scan(&info.BatchID, &info.StartedAt, &info.FinishedAt, &info.Status,
		&info.FileCount, &info.RowsIngested, &info.ErrorMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// Rollback deletes every core fact row tagged with the last n batch ids
// and marks those batches rolled_back. The caller must rebuild all marts
// afterwards; facts and marts are inconsistent until it does.
func Rollback(ctx context.Context, db warehouse.DBTX, n int) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("rollback count must be positive, got %d", n)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT batch_id FROM raw_system_batch_log
		WHERE status != ? ORDER BY batch_id DESC LIMIT ?`, StatusRolledBack, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	for _, table := range warehouse.CoreFactTables {
		q := fmt.Sprintf("DELETE FROM %s WHERE load_batch_id IN (%s)", table, placeholders)
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			return nil, fmt.Errorf("rollback %s: %w", table, err)
		}
	}
	for _, id := range ids {
		if _, err := db.ExecContext(ctx,
			"UPDATE raw_system_batch_log SET status = ? WHERE batch_id = ?", StatusRolledBack, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
