package allocation_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/pnl-engine/allocation"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestSet(t *testing.T, decimals int32) *policy.Set {
	set := &policy.Set{
		ChargeTypes: map[string]policy.ChargeTypePolicy{
			"FREIGHT": {
				Domain:            "logistics_transport",
				CostStage:         "inbound",
				DefaultBasis:      policy.BasisQty,
				SeverityIfMissing: "critical",
			},
			"STORAGE_FEE": {
				Domain:            "3pl_billing",
				CostStage:         "storage",
				DefaultBasis:      policy.BasisQty,
				SeverityIfMissing: "warn",
			},
		},
		Allocation: policy.AllocationRules{
			ChargeTypeOverrides: map[string][]policy.Basis{
				"STORAGE_FEE": {policy.BasisVolumeCBM, policy.BasisWeight, policy.BasisQty},
			},
			RoundingDecimals: decimals,
		},
		Coverage: policy.CoverageRules{Domains: map[string]policy.DomainRule{}},
	}
	require.NoError(t, set.Validate())
	return set
}

func qtyTarget(item string, qty float64) allocation.Target {
	return allocation.Target{
		ItemID:      item,
		WarehouseID: "WH1",
		LotID:       "__NONE__",
		Values: map[policy.Basis]core.NullDecimal{
			policy.BasisQty: core.DecimalPtr(decimal.NewFromFloat(qty)),
		},
	}
}

func amountOf(t *testing.T, rows []allocation.Row, item string) decimal.Decimal {
	t.Helper()
	for _, r := range rows {
		if r.ItemID == item {
			return r.Amount
		}
	}
	t.Fatalf("no row for item %s", item)
	return decimal.Zero
}

func totalOf(rows []allocation.Row) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	return sum
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestAllocate_ProportionalSplit_ConservesTotal(t *testing.T) {
	// GIVEN: 1000 KRW across three targets with quantities 3, 5, 2
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		qtyTarget("A", 3), qtyTarget("B", 5), qtyTarget("C", 2),
	}

	// WHEN: allocating
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(1000), targets, set)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// THEN: amounts sum exactly to 1000 and the qty=5 target takes the
	// largest share
	assert.True(t, totalOf(rows).Equal(decimal.NewFromInt(1000)))
	assert.True(t, amountOf(t, rows, "A").Equal(decimal.NewFromInt(300)))
	assert.True(t, amountOf(t, rows, "B").Equal(decimal.NewFromInt(500)))
	assert.True(t, amountOf(t, rows, "C").Equal(decimal.NewFromInt(200)))
}

func TestAllocate_IndivisibleRemainder_ConservesExactly(t *testing.T) {
	// GIVEN: 100 units across three equal targets at whole-unit precision
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		qtyTarget("A", 1), qtyTarget("B", 1), qtyTarget("C", 1),
	}

	// WHEN: allocating an amount that does not divide evenly
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), targets, set)
	require.NoError(t, err)

	// THEN: the sum is exact and the leftover unit lands on the first
	// target in sort order (remainder ties break by ascending index)
	assert.True(t, totalOf(rows).Equal(decimal.NewFromInt(100)))
	assert.True(t, amountOf(t, rows, "A").Equal(decimal.NewFromInt(34)))
	assert.True(t, amountOf(t, rows, "B").Equal(decimal.NewFromInt(33)))
	assert.True(t, amountOf(t, rows, "C").Equal(decimal.NewFromInt(33)))
}

func TestAllocate_FractionalPrecision_ConservesAtConfiguredDecimals(t *testing.T) {
	// GIVEN: a two-decimal precision policy and a three-way split
	set := newTestSet(t, 2)
	targets := []allocation.Target{
		qtyTarget("A", 1), qtyTarget("B", 1), qtyTarget("C", 1),
	}

	// WHEN: allocating 10.00
	rows, err := allocation.Allocate("FREIGHT", decimal.RequireFromString("10.00"), targets, set)
	require.NoError(t, err)

	// THEN: conservation holds at cents
	assert.True(t, totalOf(rows).Equal(decimal.RequireFromString("10.00")))
	assert.True(t, amountOf(t, rows, "A").Equal(decimal.RequireFromString("3.34")))
	assert.True(t, amountOf(t, rows, "B").Equal(decimal.RequireFromString("3.33")))
	assert.True(t, amountOf(t, rows, "C").Equal(decimal.RequireFromString("3.33")))
}

func TestAllocate_NegativeAmount_ConservesCreditNotes(t *testing.T) {
	// GIVEN: a credit note of -100 across three equal targets
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		qtyTarget("A", 1), qtyTarget("B", 1), qtyTarget("C", 1),
	}

	// WHEN: allocating the negative amount
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(-100), targets, set)
	require.NoError(t, err)

	// THEN: the split mirrors the positive case exactly, negated
	assert.True(t, totalOf(rows).Equal(decimal.NewFromInt(-100)))
	assert.True(t, amountOf(t, rows, "A").Equal(decimal.NewFromInt(-34)))
}

func TestAllocate_SingleTarget_TakesFullAmount(t *testing.T) {
	set := newTestSet(t, 0)

	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(777), []allocation.Target{qtyTarget("A", 4)}, set)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(777)))
}

func TestAllocate_NoTargets_ReturnsEmpty(t *testing.T) {
	set := newTestSet(t, 0)

	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), nil, set)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAllocate_AllZeroBasis_SplitsEqually(t *testing.T) {
	// GIVEN: every target has a zero (but non-null) basis value
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		qtyTarget("A", 0), qtyTarget("B", 0),
	}

	// WHEN: allocating 100
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), targets, set)
	require.NoError(t, err)

	// THEN: the defined fallback is an equal split, not an error
	assert.True(t, amountOf(t, rows, "A").Equal(decimal.NewFromInt(50)))
	assert.True(t, amountOf(t, rows, "B").Equal(decimal.NewFromInt(50)))
}

// =============================================================================
// DETERMINISM
// =============================================================================

func TestAllocate_ShuffledTargets_IdenticalAssignment(t *testing.T) {
	// GIVEN: the same targets presented in two different orders
	set := newTestSet(t, 0)
	forward := []allocation.Target{
		qtyTarget("A", 1), qtyTarget("B", 1), qtyTarget("C", 1),
	}
	shuffled := []allocation.Target{
		qtyTarget("C", 1), qtyTarget("A", 1), qtyTarget("B", 1),
	}

	// WHEN: allocating an amount with a remainder against both orders
	first, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), forward, set)
	require.NoError(t, err)
	second, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), shuffled, set)
	require.NoError(t, err)

	// THEN: every target receives the same amount regardless of input order
	for _, item := range []string{"A", "B", "C"} {
		assert.True(t, amountOf(t, first, item).Equal(amountOf(t, second, item)),
			"item %s diverged between runs", item)
	}
}

func TestAllocate_DoesNotReorderCallerSlice(t *testing.T) {
	// GIVEN: targets deliberately out of sort order
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		qtyTarget("C", 1), qtyTarget("A", 1), qtyTarget("B", 1),
	}

	// WHEN: allocating
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), targets, set)
	require.NoError(t, err)

	// THEN: output follows the determinism sort, input keeps its order
	assert.Equal(t, "A", rows[0].ItemID)
	assert.Equal(t, "C", targets[0].ItemID)
	assert.Equal(t, "A", targets[1].ItemID)
	assert.Equal(t, "B", targets[2].ItemID)
}

// =============================================================================
// BASIS RESOLUTION
// =============================================================================

func TestResolveBasis_FallsThroughToCoveredBasis(t *testing.T) {
	// GIVEN: STORAGE_FEE prefers volume > weight > qty, but no target has
	// volume and one target has weight
	set := newTestSet(t, 0)
	withWeight := qtyTarget("A", 5)
	withWeight.Values[policy.BasisWeight] = core.DecimalPtr(decimal.NewFromInt(12))
	targets := []allocation.Target{withWeight, qtyTarget("B", 3)}

	// WHEN: resolving
	basis, err := allocation.ResolveBasis("STORAGE_FEE", targets, set)
	require.NoError(t, err)

	// THEN: partial weight coverage is accepted before falling back to qty
	assert.Equal(t, policy.BasisWeight, basis)
}

func TestResolveBasis_NoCoverage_Fails(t *testing.T) {
	// GIVEN: targets with no value for any configured basis
	set := newTestSet(t, 0)
	targets := []allocation.Target{
		{ItemID: "A", Values: map[policy.Basis]core.NullDecimal{}},
	}

	// WHEN: allocating
	_, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100), targets, set)

	// THEN: the failure is typed and lists what was tried
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoUsableBasis))
	var nub *core.NoUsableBasisError
	require.True(t, errors.As(err, &nub))
	assert.Equal(t, "FREIGHT", nub.ChargeType)
	assert.Equal(t, []string{"qty"}, nub.Tried)
}

// =============================================================================
// FX APPLICATION
// =============================================================================

func TestApplyFX_KnownRate_ConvertsEveryRow(t *testing.T) {
	set := newTestSet(t, 0)
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100),
		[]allocation.Target{qtyTarget("A", 1), qtyTarget("B", 1)}, set)
	require.NoError(t, err)

	allocation.ApplyFX(rows, core.DecimalPtr(decimal.RequireFromString("1350.5")))

	for _, r := range rows {
		require.True(t, r.AmountKRW.Valid)
		assert.True(t, r.AmountKRW.Decimal.Equal(r.Amount.Mul(decimal.RequireFromString("1350.5"))))
	}
}

func TestApplyFX_MissingRate_LeavesKRWNull(t *testing.T) {
	// GIVEN: allocated rows in a foreign currency with no FX rate
	set := newTestSet(t, 0)
	rows, err := allocation.Allocate("FREIGHT", decimal.NewFromInt(100),
		[]allocation.Target{qtyTarget("A", 1)}, set)
	require.NoError(t, err)

	// WHEN: applying a missing rate
	allocation.ApplyFX(rows, core.NoDecimal())

	// THEN: KRW amounts stay null; never converted at an assumed 1.0
	for _, r := range rows {
		assert.False(t, r.AmountKRW.Valid)
	}
}
