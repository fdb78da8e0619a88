/*
cogs.go - COGS via strict as-of cost join

Order of operations matters here:

  1. Aggregate sales-only shipped quantity per (period, item, channel).
     Internal transfers (no channel_order_id) never enter COGS.
  2. Subtract sales-only returns per (period, item).
  3. Pre-aggregate cost components per (item, effective_from) BEFORE the
     as-of lookup. Joining un-aggregated components would multiply each
     shipment grain by the component count.
  4. As-of select the latest cost version effective on or before the
     period's end date.
  5. Assert the output grain is unique. Failure is a GrainError, not a
     warning: duplicates double-count COGS downstream.

An item with no effective cost version gets cogs_krw = null and
coverage PARTIAL, never cost 0.
*/
package waterfall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// costVersion is one pre-aggregated cost snapshot for an item.
type costVersion struct {
	EffectiveFrom time.Time
	UnitCostKRW   decimal.Decimal
}

func buildCOGS(ctx context.Context, db warehouse.DBTX, log *logrus.Entry) ([]warehouse.COGSRow, error) {
	shipments, err := warehouse.Shipments(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load shipments: %w", err)
	}
	returns, err := warehouse.Returns(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load returns: %w", err)
	}
	costRows, err := warehouse.CostRows(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load cost structure: %w", err)
	}

	// Sales-only shipped quantity per grain.
	shipped := make(map[grain]float64)
	for _, s := range shipments {
		if s.ChannelOrderID == "" {
			continue
		}
		cs := s.ChannelStoreID
		if cs == "" {
			cs = "UNKNOWN"
		}
		k := grain{Period: core.PeriodOf(s.ShipDate), ItemID: s.ItemID, ChannelStoreID: cs}
		shipped[k] += s.QtyShipped
	}

	// Sales-only returned quantity per (period, item).
	type itemPeriod struct {
		Period core.Period
		ItemID string
	}
	returned := make(map[itemPeriod]float64)
	for _, r := range returns {
		if r.ChannelOrderID == "" {
			continue
		}
		returned[itemPeriod{core.PeriodOf(r.ReturnDate), r.ItemID}] += r.QtyReturned
	}

	costs := aggregateCosts(costRows)

	keys := make([]grain, 0, len(shipped))
	for k := range shipped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Period != keys[b].Period {
			return keys[a].Period < keys[b].Period
		}
		if keys[a].ItemID != keys[b].ItemID {
			return keys[a].ItemID < keys[b].ItemID
		}
		return keys[a].ChannelStoreID < keys[b].ChannelStoreID
	})

	missingCost := 0
	seen := make(map[grain]bool, len(keys))
	duplicates := 0
	rows := make([]warehouse.COGSRow, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			duplicates++
			continue
		}
		seen[k] = true

		qtyShipped := shipped[k]
		qtyReturned := returned[itemPeriod{k.Period, k.ItemID}]
		qtyNet := qtyShipped - qtyReturned

		row := warehouse.COGSRow{
			Period:         k.Period,
			ItemID:         k.ItemID,
			ChannelStoreID: k.ChannelStoreID,
			Country:        defaultCountry,
			QtyShipped:     qtyShipped,
			QtyReturned:    qtyReturned,
			QtyNet:         qtyNet,
		}

		end, err := k.Period.End()
		if err != nil {
			return nil, err
		}
		if unitCost, ok := asOfCost(costs[k.ItemID], end); ok {
			row.UnitCostKRW = core.DecimalPtr(unitCost)
			row.COGSKRW = core.DecimalPtr(unitCost.Mul(decimal.NewFromFloat(qtyNet)))
			row.Flag = core.Actual
		} else {
			row.Flag = core.Partial
			missingCost++
		}
		rows = append(rows, row)
	}

	// Post-condition: the map-keyed build cannot emit duplicate grain, but
	// the invariant is asserted regardless; silently double-counted COGS
	// is the one failure this mart must never ship.
	if duplicates > 0 {
		return nil, &core.GrainError{Stage: "cogs", Duplicates: duplicates}
	}

	if missingCost > 0 {
		log.WithField("rows", missingCost).
			Warn("cost missing for cogs rows; cogs_krw null, coverage PARTIAL")
	}
	return rows, nil
}

// aggregateCosts sums components per (item, effective_from) and returns
// each item's versions sorted by effective_from descending.
func aggregateCosts(costRows []warehouse.CostRow) map[string][]costVersion {
	type versionKey struct {
		ItemID        string
		EffectiveFrom time.Time
	}
	sums := make(map[versionKey]decimal.Decimal)
	for _, c := range costRows {
		k := versionKey{c.ItemID, c.EffectiveFrom}
		sums[k] = sums[k].Add(c.CostPerUnitKRW)
	}

	out := make(map[string][]costVersion)
	for k, total := range sums {
		out[k.ItemID] = append(out[k.ItemID], costVersion{EffectiveFrom: k.EffectiveFrom, UnitCostKRW: total})
	}
	for item := range out {
		versions := out[item]
		sort.Slice(versions, func(a, b int) bool {
			return versions[a].EffectiveFrom.After(versions[b].EffectiveFrom)
		})
	}
	return out
}

// asOfCost picks the latest version effective on or before asOf.
// Versions are sorted descending, so the first hit is the answer.
func asOfCost(versions []costVersion, asOf time.Time) (decimal.Decimal, bool) {
	for _, v := range versions {
		if !v.EffectiveFrom.After(asOf) {
			return v.UnitCostKRW, true
		}
	}
	return decimal.Decimal{}, false
}
