/*
Package pipeline orchestrates one batch run end to end.

RUN SHAPE:
  acquire lock -> open batch -> rebuild marts (allocation, waterfall,
  tie-out, coverage) -> release lock with terminal status.

  Any failure releases the lock with status=failed and the error message
  recorded before the error is returned; the batch log is always
  finalized. A second invocation while locked fails immediately with
  LockHeldError rather than queueing.

DRY RUN:
  The whole run executes inside one transaction that is rolled back at
  the end. Every engine takes a DBTX, so the same code path runs against
  the live handle or the doomed transaction.

SEE ALSO:
  - status.go: operator-facing status snapshot + rendering
*/
package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/trellis/pnl-engine/allocation"
	"github.com/trellis/pnl-engine/batch"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/coverage"
	"github.com/trellis/pnl-engine/export"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
	"github.com/trellis/pnl-engine/waterfall"
)

// Pipeline binds the warehouse, the validated policy, and a logger.
type Pipeline struct {
	wh  *warehouse.Warehouse
	set *policy.Set
	log *logrus.Entry
}

func New(wh *warehouse.Warehouse, set *policy.Set, log *logrus.Logger) *Pipeline {
	return &Pipeline{wh: wh, set: set, log: log.WithField("component", "pipeline")}
}

// Run executes one full batch. With dryRun the entire run happens inside
// a transaction that is rolled back, leaving the warehouse untouched.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) error {
	if dryRun {
		tx, err := p.wh.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin dry run: %w", err)
		}
		defer tx.Rollback()
		err = p.run(ctx, tx)
		if err == nil {
			p.log.Info("dry run complete; results not persisted")
		}
		return err
	}
	return p.run(ctx, p.wh.DB())
}

func (p *Pipeline) run(ctx context.Context, db warehouse.DBTX) error {
	batchID, err := batch.Acquire(ctx, db, os.Getpid())
	if err != nil {
		return err
	}
	p.log.WithField("batch_id", batchID).Info("pipeline started")

	if err := p.rebuildMarts(ctx, db); err != nil {
		// Finalize the batch before surfacing the failure; no batch is
		// left 'running' except by process crash.
		if relErr := batch.Release(ctx, db, batchID, batch.StatusFailed, err.Error()); relErr != nil {
			p.log.WithError(relErr).Error("failed to release lock after pipeline failure")
		}
		return err
	}

	if err := batch.Release(ctx, db, batchID, batch.StatusSuccess, ""); err != nil {
		return err
	}
	p.log.WithField("batch_id", batchID).Info("pipeline completed")
	return nil
}

// rebuildMarts recomputes every derived table from current facts, in
// dependency order: allocation feeds the variable-cost stage, coverage
// scans last so it sees the final state.
func (p *Pipeline) rebuildMarts(ctx context.Context, db warehouse.DBTX) error {
	if _, err := allocation.Run(ctx, db, p.set, p.log); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if err := waterfall.Run(ctx, db, p.log); err != nil {
		return fmt.Errorf("waterfall: %w", err)
	}
	if _, err := coverage.Compute(ctx, db, p.set, p.log); err != nil {
		return fmt.Errorf("coverage: %w", err)
	}
	return nil
}

// RebuildMarts recomputes the derived tables outside a batch run, used
// after rollback to realign marts with the surviving facts.
func (p *Pipeline) RebuildMarts(ctx context.Context) error {
	return p.rebuildMarts(ctx, p.wh.DB())
}

// Rollback undoes the last n batches and rebuilds every mart so derived
// state never outlives its deleted sources.
func (p *Pipeline) Rollback(ctx context.Context, n int) error {
	ids, err := batch.Rollback(ctx, p.wh.DB(), n)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		p.log.Info("no batches to roll back")
		return nil
	}
	p.log.WithField("batch_ids", ids).Info("batches rolled back; rebuilding marts")
	return p.RebuildMarts(ctx)
}

// BuildWorkbook renders the reporting workbook from current mart state.
// The caller owns the file and must Close it.
func (p *Pipeline) BuildWorkbook(ctx context.Context) (*excelize.File, error) {
	return export.BuildWorkbook(ctx, p.wh.DB())
}

// ExportWorkbook renders the reporting workbook to an xlsx file at path.
func (p *Pipeline) ExportWorkbook(ctx context.Context, path string) error {
	if err := export.WriteWorkbook(ctx, p.wh.DB(), path); err != nil {
		return err
	}
	p.log.WithField("path", path).Info("workbook exported")
	return nil
}

// ClosePeriod runs the coverage gate and freezes the period. Force skips
// the gate but the violations are still logged.
func (p *Pipeline) ClosePeriod(ctx context.Context, period core.Period, closedBy string, force bool) error {
	violations, err := coverage.EnforceClosedPeriodCoverage(ctx, p.wh.DB(), p.set, period)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		for _, v := range violations {
			p.log.Warn(v)
		}
		if !force {
			return fmt.Errorf("cannot close %s: %d coverage requirement(s) unmet", period, len(violations))
		}
	}
	return batch.Close(ctx, p.wh.DB(), period, closedBy)
}
