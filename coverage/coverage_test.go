package coverage_test

import (
	"context"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/pnl-engine/batch"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/coverage"
	"github.com/trellis/pnl-engine/policy"
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

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("component", "test")
}

// newTestSet declares fx_rate always REQUIRED and logistics_transport
// OPTIONAL while open but REQUIRED at close.
func newTestSet(t *testing.T) *policy.Set {
	set := &policy.Set{
		ChargeTypes: map[string]policy.ChargeTypePolicy{
			"FREIGHT_INTL_SEA": {
				Domain:            "logistics_transport",
				CostStage:         "inbound",
				DefaultBasis:      policy.BasisQty,
				SeverityIfMissing: "critical",
			},
			"CUSTOMS_DUTY": {
				Domain:            "customs",
				CostStage:         "inbound",
				DefaultBasis:      policy.BasisValue,
				SeverityIfMissing: "warn",
			},
		},
		Allocation: policy.AllocationRules{},
		Coverage: policy.CoverageRules{
			Domains: map[string]policy.DomainRule{
				"fx_rate":             {Requirement: policy.Required, MinRows: 1},
				"logistics_transport": {Requirement: policy.Optional, MinRows: 1},
				"customs":             {Requirement: policy.Optional, MinRows: 1},
			},
			CloseEnforcement: map[string]policy.Requirement{
				"logistics_transport": policy.Required,
			},
		},
	}
	require.NoError(t, set.Validate())
	return set
}

func seedCharge(t *testing.T, wh *warehouse.Warehouse, chargeType string, period core.Period) {
	t.Helper()
	require.NoError(t, warehouse.UpsertCharge(context.Background(), wh.DB(), warehouse.Charge{
		InvoiceNo:     "INV-" + chargeType,
		InvoiceLineNo: 1,
		ChargeType:    chargeType,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "KRW",
		Period:        period,
		SystemCols:    warehouse.SystemCols{SourceSystem: "ap", LoadBatchID: 1, SourceFileHash: "h"},
	}))
}

func findRecord(t *testing.T, rows []warehouse.CoverageRow, period core.Period, domain string) warehouse.CoverageRow {
	t.Helper()
	for _, r := range rows {
		if r.Period == period && r.Domain == domain {
			return r
		}
	}
	t.Fatalf("no coverage record for %s/%s", period, domain)
	return warehouse.CoverageRow{}
}

// =============================================================================
// SEVERITY CLASSIFICATION
// =============================================================================

func TestCompute_RequiredDomainWithoutData_IsCritical(t *testing.T) {
	// GIVEN: a period that has charges but no FX rates
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")

	// WHEN: computing coverage
	rows, err := coverage.Compute(context.Background(), wh.DB(), set, testLog())
	require.NoError(t, err)

	// THEN: the REQUIRED fx_rate domain is CRITICAL for that period
	rec := findRecord(t, rows, "2024-01", "fx_rate")
	assert.Equal(t, core.SeverityCritical, rec.Severity)
	assert.Equal(t, 0.0, rec.CoverageRate)
	assert.Equal(t, int64(1), rec.MissingRows)
	assert.False(t, rec.ClosedPeriod)
}

func TestCompute_OptionalDomainWithoutData_IsInfoWhileOpen(t *testing.T) {
	// GIVEN: charges exist but no customs invoices arrived yet
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")

	rows, err := coverage.Compute(context.Background(), wh.DB(), set, testLog())
	require.NoError(t, err)

	// THEN: a missing OPTIONAL domain is informational, not critical
	rec := findRecord(t, rows, "2024-01", "customs")
	assert.Equal(t, core.SeverityInfo, rec.Severity)
}

func TestCompute_OptionalAtOpen_BecomesCriticalOnceClosed(t *testing.T) {
	// GIVEN: a closed period missing logistics charges, where the domain
	// is OPTIONAL open but REQUIRED at close
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	ctx := context.Background()
	seedCharge(t, wh, "CUSTOMS_DUTY", "2024-01")
	require.NoError(t, batch.Close(ctx, wh.DB(), "2024-01", "controller"))

	// WHEN: computing coverage
	rows, err := coverage.Compute(ctx, wh.DB(), set, testLog())
	require.NoError(t, err)

	// THEN: the close-enforcement requirement escalates the severity
	rec := findRecord(t, rows, "2024-01", "logistics_transport")
	assert.Equal(t, core.SeverityCritical, rec.Severity)
	assert.True(t, rec.ClosedPeriod)
}

func TestCompute_CoveredDomain_IsOK(t *testing.T) {
	// GIVEN: FX rates present for the period
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	ctx := context.Background()
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")
	require.NoError(t, warehouse.UpsertFXRate(ctx, wh.DB(), warehouse.FXRate{
		Period: "2024-01", Currency: "USD", RateToKRW: decimal.NewFromInt(1350),
	}))

	rows, err := coverage.Compute(ctx, wh.DB(), set, testLog())
	require.NoError(t, err)

	rec := findRecord(t, rows, "2024-01", "fx_rate")
	assert.Equal(t, core.SeverityOK, rec.Severity)
	assert.Equal(t, 1.0, rec.CoverageRate)
	assert.Equal(t, int64(1), rec.IncludedRows)
	assert.Equal(t, int64(0), rec.MissingRows)
}

func TestCompute_ChargeDomainMembership_ComesFromPolicy(t *testing.T) {
	// GIVEN: one sea freight invoice; logistics_transport membership is
	// derived from the charge-type taxonomy, not a hardcoded list
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")

	rows, err := coverage.Compute(context.Background(), wh.DB(), set, testLog())
	require.NoError(t, err)

	rec := findRecord(t, rows, "2024-01", "logistics_transport")
	assert.Equal(t, core.SeverityOK, rec.Severity)
	assert.Equal(t, int64(1), rec.IncludedRows)
}

func TestCompute_PersistsFullReplace(t *testing.T) {
	// GIVEN: a previous coverage run
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	ctx := context.Background()
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")

	_, err := coverage.Compute(ctx, wh.DB(), set, testLog())
	require.NoError(t, err)

	// WHEN: recomputing after new data lands
	require.NoError(t, warehouse.UpsertFXRate(ctx, wh.DB(), warehouse.FXRate{
		Period: "2024-01", Currency: "USD", RateToKRW: decimal.NewFromInt(1350),
	}))
	rows, err := coverage.Compute(ctx, wh.DB(), set, testLog())
	require.NoError(t, err)

	// THEN: the mart holds exactly the new run's rows
	persisted, err := warehouse.CoverageRecords(ctx, wh.DB())
	require.NoError(t, err)
	assert.Len(t, persisted, len(rows))
	rec := findRecord(t, persisted, "2024-01", "fx_rate")
	assert.Equal(t, core.SeverityOK, rec.Severity)
}

// =============================================================================
// CLOSE GATE
// =============================================================================

func TestEnforceClosedPeriodCoverage_ReportsViolations_ThenClears(t *testing.T) {
	// GIVEN: a period with no logistics charges, REQUIRED at close
	wh := newTestWarehouse(t)
	set := newTestSet(t)
	ctx := context.Background()

	// WHEN: checking the close gate
	violations, err := coverage.EnforceClosedPeriodCoverage(ctx, wh.DB(), set, "2024-01")
	require.NoError(t, err)

	// THEN: the gap is reported as a message, nothing is mutated
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "logistics_transport")
	assert.Contains(t, violations[0], "2024-01")

	// WHEN: the missing invoices arrive
	seedCharge(t, wh, "FREIGHT_INTL_SEA", "2024-01")

	violations, err = coverage.EnforceClosedPeriodCoverage(ctx, wh.DB(), set, "2024-01")
	require.NoError(t, err)
	assert.Empty(t, violations)
}
