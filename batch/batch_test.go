package batch_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/pnl-engine/batch"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestWarehouse(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	wh, err := warehouse.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	require.NoError(t, wh.Migrate(context.Background()))
	return wh
}

func testShipment(id, item string, date time.Time, batchID int64) warehouse.Shipment {
	return warehouse.Shipment{
		ShipmentID:     id,
		ShipDate:       date,
		WarehouseID:    "WH1",
		ItemID:         item,
		QtyShipped:     10,
		ChannelOrderID: "ORD-" + id,
		SystemCols: warehouse.SystemCols{
			SourceSystem:   "wms",
			LoadBatchID:    batchID,
			SourceFileHash: "hash",
		},
	}
}

// =============================================================================
// BATCH LOCK
// =============================================================================

func TestAcquire_WhileHeld_FailsFastWithHolderPID(t *testing.T) {
	// GIVEN: a run holding the lock
	wh := newTestWarehouse(t)
	ctx := context.Background()

	_, err := batch.Acquire(ctx, wh.DB(), 4242)
	require.NoError(t, err)

	// WHEN: a second run tries to acquire
	_, err = batch.Acquire(ctx, wh.DB(), 9999)

	// THEN: it fails immediately, naming the holder
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrLockHeld))
	var held *core.LockHeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, 4242, held.PID)
}

func TestAcquire_AfterRelease_Succeeds_WithIncreasingBatchIDs(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()

	first, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)
	require.NoError(t, batch.Release(ctx, wh.DB(), first, batch.StatusSuccess, ""))

	second, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)

	assert.Greater(t, second, first)
}

func TestRelease_Failed_FinalizesBatchLogWithError(t *testing.T) {
	// GIVEN: a running batch
	wh := newTestWarehouse(t)
	ctx := context.Background()

	id, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)

	// WHEN: the run fails
	require.NoError(t, batch.Release(ctx, wh.DB(), id, batch.StatusFailed, "cogs grain violation"))

	// THEN: the batch log is finalized, never left 'running'
	info, err := batch.LastBatch(ctx, wh.DB())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, batch.StatusFailed, info.Status)
	assert.Equal(t, "cogs grain violation", info.ErrorMsg)
	assert.NotEmpty(t, info.FinishedAt)

	state, err := batch.Lock(ctx, wh.DB())
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func TestForceUnlock_ClearsStuckLock_LeavesBatchRunning(t *testing.T) {
	// GIVEN: a crashed run that never released
	wh := newTestWarehouse(t)
	ctx := context.Background()

	id, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)

	// WHEN: the operator force-unlocks
	require.NoError(t, batch.ForceUnlock(ctx, wh.DB()))

	// THEN: the lock is free but the crashed batch stays in the log as-is
	state, err := batch.Lock(ctx, wh.DB())
	require.NoError(t, err)
	assert.False(t, state.Locked)

	info, err := batch.LastBatch(ctx, wh.DB())
	require.NoError(t, err)
	assert.Equal(t, id, info.BatchID)
	assert.Equal(t, batch.StatusRunning, info.Status)
}

// =============================================================================
// ROLLBACK
// =============================================================================

func TestRollback_RemovesOnlyTargetBatchRows(t *testing.T) {
	// GIVEN: facts ingested across two batches
	wh := newTestWarehouse(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	id1, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)
	require.NoError(t, warehouse.UpsertShipment(ctx, wh.DB(), testShipment("S1", "ITEM-A", jan, id1)))
	require.NoError(t, batch.Release(ctx, wh.DB(), id1, batch.StatusSuccess, ""))

	id2, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)
	require.NoError(t, warehouse.UpsertShipment(ctx, wh.DB(), testShipment("S2", "ITEM-B", jan, id2)))
	require.NoError(t, batch.Release(ctx, wh.DB(), id2, batch.StatusSuccess, ""))

	// WHEN: rolling back the most recent batch
	rolled, err := batch.Rollback(ctx, wh.DB(), 1)
	require.NoError(t, err)
	require.Equal(t, []int64{id2}, rolled)

	// THEN: only the second batch's rows are gone
	ships, err := warehouse.Shipments(ctx, wh.DB())
	require.NoError(t, err)
	require.Len(t, ships, 1)
	assert.Equal(t, "S1", ships[0].ShipmentID)

	info, err := batch.LastBatch(ctx, wh.DB())
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRolledBack, info.Status)
}

func TestRollback_AlreadyRolledBackBatches_AreSkipped(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	id1, err := batch.Acquire(ctx, wh.DB(), 1)
	require.NoError(t, err)
	require.NoError(t, warehouse.UpsertShipment(ctx, wh.DB(), testShipment("S1", "ITEM-A", jan, id1)))
	require.NoError(t, batch.Release(ctx, wh.DB(), id1, batch.StatusSuccess, ""))

	_, err = batch.Rollback(ctx, wh.DB(), 1)
	require.NoError(t, err)

	// Rolling back again finds nothing new to undo.
	rolled, err := batch.Rollback(ctx, wh.DB(), 1)
	require.NoError(t, err)
	assert.Empty(t, rolled)
}

// =============================================================================
// PERIOD CLOSE
// =============================================================================

func TestClosedPeriod_RejectsDirectIngestion_ReopenRestoresIt(t *testing.T) {
	// GIVEN: January 2024 is closed
	wh := newTestWarehouse(t)
	ctx := context.Background()
	jan := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, batch.Close(ctx, wh.DB(), "2024-01", "controller"))

	// WHEN: ingesting a shipment dated inside the closed period
	err := warehouse.UpsertShipment(ctx, wh.DB(), testShipment("S1", "ITEM-A", jan, 1))

	// THEN: the write is rejected with the typed error
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPeriodClosed))
	var pce *core.PeriodClosedError
	require.True(t, errors.As(err, &pce))
	assert.Equal(t, core.Period("2024-01"), pce.Period)

	// WHEN: the period is reopened
	require.NoError(t, batch.Reopen(ctx, wh.DB(), "2024-01", "late invoice"))

	// THEN: the same write succeeds
	require.NoError(t, warehouse.UpsertShipment(ctx, wh.DB(), testShipment("S1", "ITEM-A", jan, 1)))
}

func TestClose_IsIdempotent(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()

	require.NoError(t, batch.Close(ctx, wh.DB(), "2024-02", "controller"))
	require.NoError(t, batch.Close(ctx, wh.DB(), "2024-02", "controller"))

	closed, err := batch.ClosedPeriods(ctx, wh.DB())
	require.NoError(t, err)
	assert.Equal(t, []core.Period{"2024-02"}, closed)
}

func TestClose_InvalidPeriod_Rejected(t *testing.T) {
	wh := newTestWarehouse(t)

	err := batch.Close(context.Background(), wh.DB(), "January-2024", "controller")
	require.Error(t, err)
}

// =============================================================================
// ADJUSTMENT LOG
// =============================================================================

func TestPostCloseAdjustment_IDsAreAtomicAndIncreasing(t *testing.T) {
	// GIVEN: a closed period needing two corrections
	wh := newTestWarehouse(t)
	ctx := context.Background()
	require.NoError(t, batch.Close(ctx, wh.DB(), "2024-01", "controller"))

	adj := batch.Adjustment{
		Period:      "2024-01",
		TableName:   "core_fact_charge_actual",
		BusinessKey: "INV-1/1",
		FieldName:   "amount",
		OldValue:    "1000",
		NewValue:    "1100",
		Reason:      "vendor rebill",
		AdjustedBy:  "controller",
	}

	// WHEN: appending two entries
	first, err := batch.PostCloseAdjustment(ctx, wh.DB(), adj)
	require.NoError(t, err)
	second, err := batch.PostCloseAdjustment(ctx, wh.DB(), adj)
	require.NoError(t, err)

	// THEN: ids come from the engine's sequence, strictly increasing
	assert.Greater(t, second, first)

	trail, err := batch.Adjustments(ctx, wh.DB(), "2024-01")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, first, trail[0].AdjustmentID)
	assert.Equal(t, "vendor rebill", trail[0].Reason)
}
