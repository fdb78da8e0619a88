/*
targets.go - Deriving allocation targets from the shipment fact

Shipments are the default target universe: every charge is spread over
them unless a scope hint narrows the set. When the warehouse has no
shipments at all, a single synthetic target absorbs the full charge so
the invoice still ties out instead of vanishing.
*/
package allocation

import (
	"github.com/shopspring/decimal"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
)

// UnallocatedItem marks the synthetic fallback target used when no
// shipment rows exist to allocate against.
const UnallocatedItem = "UNALLOCATED"

var (
	decOne = decimal.New(1, 0)
)

// TargetsFor builds the target set for one charge. The warehouse scope
// hint narrows the set only when the narrowed set is non-empty; an
// unmatched hint falls back to the full universe rather than dropping
// the charge.
func TargetsFor(charge warehouse.Charge, shipments []warehouse.Shipment) []Target {
	if len(shipments) == 0 {
		return []Target{fallbackTarget(charge)}
	}

	targets := make([]Target, 0, len(shipments))
	for _, s := range shipments {
		targets = append(targets, targetFromShipment(s))
	}

	if charge.WarehouseID != "" {
		scoped := targets[:0:0]
		for _, t := range targets {
			if t.WarehouseID == charge.WarehouseID {
				scoped = append(scoped, t)
			}
		}
		if len(scoped) > 0 {
			targets = scoped
		}
	}
	return targets
}

// targetFromShipment maps one shipment row onto the basis vocabulary:
// qty from the shipped quantity, weight/volume as captured (nullable),
// counts fixed at one per row, value proxied by qty, revenue flat. The
// on-hand bases have no shipment-derived value and stay null.
func targetFromShipment(s warehouse.Shipment) Target {
	qty := decimal.NewFromFloat(s.QtyShipped)
	t := Target{
		ItemID:         s.ItemID,
		WarehouseID:    s.WarehouseID,
		ChannelStoreID: s.ChannelStoreID,
		LotID:          s.LotID,
		Values: map[policy.Basis]core.NullDecimal{
			policy.BasisQty:        core.DecimalPtr(qty),
			policy.BasisValue:      core.DecimalPtr(qty),
			policy.BasisOrderCount: core.DecimalPtr(decOne),
			policy.BasisLineCount:  core.DecimalPtr(decOne),
			policy.BasisRevenue:    core.DecimalPtr(decOne),
		},
	}
	if s.Weight.Valid {
		t.Values[policy.BasisWeight] = core.DecimalPtr(decimal.NewFromFloat(s.Weight.Float64))
	}
	if s.VolumeCBM.Valid {
		t.Values[policy.BasisVolumeCBM] = core.DecimalPtr(decimal.NewFromFloat(s.VolumeCBM.Float64))
	}
	return t
}

func fallbackTarget(charge warehouse.Charge) Target {
	wh := charge.WarehouseID
	if wh == "" {
		wh = "UNKNOWN"
	}
	cs := charge.ChannelStoreID
	if cs == "" {
		cs = "UNKNOWN"
	}
	return Target{
		ItemID:         UnallocatedItem,
		WarehouseID:    wh,
		ChannelStoreID: cs,
		LotID:          "__NONE__",
		Values: map[policy.Basis]core.NullDecimal{
			policy.BasisQty:        core.DecimalPtr(decOne),
			policy.BasisValue:      core.DecimalPtr(decOne),
			policy.BasisOrderCount: core.DecimalPtr(decOne),
			policy.BasisLineCount:  core.DecimalPtr(decOne),
			policy.BasisRevenue:    core.DecimalPtr(decOne),
		},
	}
}
