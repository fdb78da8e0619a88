/*
Package allocation distributes invoice-line charges across allocation
targets with two hard guarantees:

  Conservation: for every charge, the per-target amounts sum to the
  charge amount EXACTLY at the configured decimal precision. Largest-
  remainder (Hare-Niemeyer) rounding makes this hold for any target
  count, any basis distribution, and any precision.

  Determinism: the same charge against the same target set always
  produces the same per-target amounts. Targets are sorted by the
  configured key tuple before the split, and remainder ties break by
  ascending target index, never by value comparison.

PURPOSE:
  engine.go holds the pure computation: basis resolution, proportional
  split, and conserving rounding. No I/O here; run.go drives the engine
  over the warehouse and persists the output.

DESIGN PRINCIPLES:
  1. Exact arithmetic: the split runs in scaled integer units via
     decimal quotient/remainder, never float division.
  2. First-match basis resolution from config, no runtime heuristics.
  3. Missing FX propagates as a null KRW amount, never a 1.0 rate.

SEE ALSO:
  - targets.go: deriving targets from the shipment fact
  - run.go:     full-warehouse allocation pass + charge tie-out
*/
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
)

// =============================================================================
// TYPES
// =============================================================================

// Target is one row a charge can be spread across. Targets are derived
// per charge and never persisted on their own.
type Target struct {
	ItemID         string
	WarehouseID    string
	ChannelStoreID string
	LotID          string

	// Values holds the numeric basis columns. A basis absent from the
	// map counts as null for that target.
	Values map[policy.Basis]core.NullDecimal
}

// Row is one target's computed share of a charge.
type Row struct {
	Target
	Basis      policy.Basis
	BasisValue decimal.Decimal
	Amount     decimal.Decimal
	AmountKRW  core.NullDecimal
}

// =============================================================================
// BASIS RESOLUTION
// =============================================================================

// ResolveBasis returns the first basis in the charge type's priority list
// with sufficient coverage: either every target has a non-null value, or
// at least one target has a non-null, non-zero value. Partial coverage is
// tolerated; total non-coverage is not.
func ResolveBasis(chargeType string, targets []Target, set *policy.Set) (policy.Basis, error) {
	priority, err := set.BasisPriority(chargeType)
	if err != nil {
		return "", err
	}

	for _, basis := range priority {
		nulls, nonZero := 0, 0
		for _, t := range targets {
			v, ok := t.Values[basis]
			if !ok || !v.Valid {
				nulls++
				continue
			}
			if !v.Decimal.IsZero() {
				nonZero++
			}
		}
		if nulls == 0 || nonZero > 0 {
			return basis, nil
		}
	}

	tried := make([]string, len(priority))
	for i, b := range priority {
		tried[i] = string(b)
	}
	return "", &core.NoUsableBasisError{ChargeType: chargeType, Tried: tried}
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocate splits amount across targets using the resolved basis for
// chargeType. Zero targets yields an empty result; a single target takes
// the full amount; an all-zero basis splits equally. Fails with
// core.NoUsableBasisError when no configured basis covers the targets.
//
// KRW conversion is not applied here; see ApplyFX.
func Allocate(chargeType string, amount decimal.Decimal, targets []Target, set *policy.Set) ([]Row, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	basis, err := ResolveBasis(chargeType, targets, set)
	if err != nil {
		return nil, err
	}

	// Sort a copy; the caller's slice order is input, not scratch space.
	sorted := make([]Target, len(targets))
	copy(sorted, targets)
	sortTargets(sorted, set.SortKeys())
	targets = sorted

	// Null basis values participate as zero once the basis is resolved.
	weights := make([]decimal.Decimal, len(targets))
	totalWeight := decimal.Zero
	for i, t := range targets {
		if v, ok := t.Values[basis]; ok && v.Valid {
			weights[i] = v.Decimal
		} else {
			weights[i] = decimal.Zero
		}
		totalWeight = totalWeight.Add(weights[i])
	}

	basisValues := make([]decimal.Decimal, len(weights))
	copy(basisValues, weights)

	// All-zero basis: equal split is the defined fallback, not an error.
	if totalWeight.IsZero() {
		for i := range weights {
			weights[i] = decimal.New(1, 0)
		}
		totalWeight = decimal.New(int64(len(weights)), 0)
	}

	amounts := split(amount, weights, totalWeight, set.Allocation.RoundingDecimals)

	rows := make([]Row, len(targets))
	for i, t := range targets {
		rows[i] = Row{
			Target:     t,
			Basis:      basis,
			BasisValue: basisValues[i],
			Amount:     amounts[i],
		}
	}
	return rows, nil
}

// split performs the proportional division and Hare-Niemeyer rounding in
// scaled integer units. Negative amounts (credit notes) are allocated on
// the absolute value and negated, so remainder distribution behaves
// identically in both directions.
func split(amount decimal.Decimal, weights []decimal.Decimal, totalWeight decimal.Decimal, decimals int32) []decimal.Decimal {
	if amount.IsNegative() {
		out := split(amount.Neg(), weights, totalWeight, decimals)
		for i := range out {
			out[i] = out[i].Neg()
		}
		return out
	}

	// Total in integer units at the declared precision.
	totalUnits := amount.Shift(decimals).Round(0)

	// Floor each exact share; remainders share the denominator totalWeight,
	// so comparing them directly compares the fractional parts.
	units := make([]decimal.Decimal, len(weights))
	remainders := make([]decimal.Decimal, len(weights))
	flooredSum := decimal.Zero
	for i, w := range weights {
		q, r := totalUnits.Mul(w).QuoRem(totalWeight, 0)
		units[i] = q
		remainders[i] = r
		flooredSum = flooredSum.Add(q)
	}

	shortfall := int(totalUnits.Sub(flooredSum).IntPart())

	// Largest remainder first; ties by ascending index so repeated runs
	// agree bit for bit.
	if shortfall > 0 {
		order := make([]int, len(weights))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return remainders[order[a]].GreaterThan(remainders[order[b]])
		})
		if shortfall > len(order) {
			shortfall = len(order)
		}
		one := decimal.New(1, 0)
		for i := 0; i < shortfall; i++ {
			units[order[i]] = units[order[i]].Add(one)
		}
	}

	out := make([]decimal.Decimal, len(units))
	for i, u := range units {
		out[i] = u.Shift(-decimals)
	}
	return out
}

// ApplyFX stamps allocated_amount_krw on every row. A missing rate leaves
// every KRW amount null; the caller flags the gap, the engine never
// substitutes a 1.0 rate.
func ApplyFX(rows []Row, rate core.NullDecimal) {
	for i := range rows {
		if rate.Valid {
			rows[i].AmountKRW = core.DecimalPtr(rows[i].Amount.Mul(rate.Decimal))
		} else {
			rows[i].AmountKRW = core.NoDecimal()
		}
	}
}

// =============================================================================
// DETERMINISM SORT
// =============================================================================

// targetKeyFields maps configured sort keys onto target identity fields.
// Keys that identify the charge (period, charge_type) are constant within
// one allocation and skipped here.
var targetKeyFields = map[string]func(*Target) string{
	"warehouse_id":     func(t *Target) string { return t.WarehouseID },
	"channel_store_id": func(t *Target) string { return t.ChannelStoreID },
	"item_id":          func(t *Target) string { return t.ItemID },
	"lot_id":           func(t *Target) string { return t.LotID },
}

func sortTargets(targets []Target, keys []string) {
	var fields []func(*Target) string
	for _, k := range keys {
		if f, ok := targetKeyFields[k]; ok {
			fields = append(fields, f)
		}
	}
	sort.SliceStable(targets, func(a, b int) bool {
		for _, f := range fields {
			va, vb := f(&targets[a]), f(&targets[b])
			if va != vb {
				return va < vb
			}
		}
		return false
	})
}
