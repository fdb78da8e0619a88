/*
Package waterfall builds the six-stage P&L chain:

  Revenue -> COGS -> Gross Margin -> Variable Cost -> Contribution
          -> Operating Profit -> Waterfall Summary

Every stage is fully rebuilt (delete + insert) each run, in strict
order, over the grain (period, item_id, channel_store_id, country).

COVERAGE PROPAGATION:
  Each stage stamps coverage_flag ACTUAL only when every upstream flag
  is ACTUAL; one PARTIAL input taints every downstream stage. Missing FX
  and missing cost are modeled states (null amount + PARTIAL), never
  defaulted to rate 1.0 or cost 0.

GRAIN INTEGRITY:
  The COGS as-of join pre-aggregates cost components per
  (item_id, effective_from) before selecting the latest version, so N
  components never multiply M shipment rows. The output grain is
  asserted unique as a post-condition; a violation is a GrainError and
  fails the batch, because downstream stages would double-count.

ERROR POLICY:
  A stage that fails to build is logged and left empty; later stages
  degrade gracefully. Only a grain violation is fatal: it aborts the
  COGS write and surfaces as the run's error after the remaining stages
  have been attempted.

SEE ALSO:
  - revenue.go:    settlement -> KRW revenue with fail-loud FX
  - cogs.go:       as-of cost join + grain assertion
  - downstream.go: margin, variable cost, contribution, profit, summary
*/
package waterfall

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// grain is the shared P&L key. Country is derived per stage and not part
// of the join key, matching the upstream marts.
type grain struct {
	Period         core.Period
	ItemID         string
	ChannelStoreID string
}

// Run rebuilds all P&L marts in dependency order. The returned error is
// non-nil only for fatal integrity failures (grain violations); ordinary
// stage failures are logged and leave that stage empty.
func Run(ctx context.Context, db warehouse.DBTX, log *logrus.Entry) error {
	var fatal error

	revenue, err := buildRevenue(ctx, db, log)
	if err != nil {
		log.WithError(err).Warn("revenue stage failed; leaving mart empty")
		revenue = nil
	}
	if err := warehouse.ReplaceRevenue(ctx, db, revenue); err != nil {
		return fmt.Errorf("persist revenue: %w", err)
	}

	cogs, err := buildCOGS(ctx, db, log)
	if err != nil {
		if errors.Is(err, core.ErrGrainViolation) {
			// Abort the stage write and fail the batch; downstream would
			// double-count.
			fatal = err
			if _, lerr := warehouse.LogIssue(ctx, db, warehouse.Issue{
				IssueType:  "cogs_grain_violation",
				Severity:   core.SeverityCritical,
				EntityType: "mart",
				EntityID:   "mart_pnl_cogs",
				Detail:     err.Error(),
			}); lerr != nil {
				return lerr
			}
		} else {
			log.WithError(err).Warn("cogs stage failed; leaving mart empty")
		}
		cogs = nil
	}
	if err := warehouse.ReplaceCOGS(ctx, db, cogs); err != nil {
		return fmt.Errorf("persist cogs: %w", err)
	}

	margins := buildGrossMargin(revenue, cogs)
	if err := warehouse.ReplaceGrossMargin(ctx, db, margins); err != nil {
		return fmt.Errorf("persist gross margin: %w", err)
	}

	varCosts, err := buildVariableCost(ctx, db, log)
	if err != nil {
		log.WithError(err).Warn("variable cost stage failed; leaving mart empty")
		varCosts = nil
	}
	if err := warehouse.ReplaceVariableCost(ctx, db, varCosts); err != nil {
		return fmt.Errorf("persist variable cost: %w", err)
	}

	contribs := buildContribution(margins, varCosts)
	if err := warehouse.ReplaceContribution(ctx, db, contribs); err != nil {
		return fmt.Errorf("persist contribution: %w", err)
	}

	profits := buildOperatingProfit(contribs)
	if err := warehouse.ReplaceOperatingProfit(ctx, db, profits); err != nil {
		return fmt.Errorf("persist operating profit: %w", err)
	}

	summary := buildSummary(revenue, cogs, margins, varCosts, contribs, profits)
	if err := warehouse.ReplaceWaterfallSummary(ctx, db, summary); err != nil {
		return fmt.Errorf("persist waterfall summary: %w", err)
	}

	log.WithFields(logrus.Fields{
		"revenue":       len(revenue),
		"cogs":          len(cogs),
		"gross_margin":  len(margins),
		"variable_cost": len(varCosts),
		"contribution":  len(contribs),
	}).Info("waterfall rebuilt")
	return fatal
}
