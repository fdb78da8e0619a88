/*
downstream.go - Margin, variable cost, contribution, profit, summary

Each derived stage joins its upstreams on the shared grain and combines
coverage flags with the monotone AND: one PARTIAL input makes the output
PARTIAL. A grain present on only one side of a join treats the absent
side's amount as zero and its flag as PARTIAL (the number is computed
from incomplete upstream state by definition).
*/
package waterfall

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// GROSS MARGIN = revenue - COGS (full outer join)
// =============================================================================

func buildGrossMargin(revenue []warehouse.RevenueRow, cogs []warehouse.COGSRow) []warehouse.GrossMarginRow {
	type side struct {
		amount  decimal.Decimal
		flag    core.CoverageFlag
		country string
		present bool
	}

	// Revenue is one row per settlement line, so several lines can share
	// one margin grain. Sum them and combine their flags; dropping a line
	// here would desync gross margin from the summary's Net Revenue.
	rev := make(map[grain]side)
	for _, r := range revenue {
		k := grain{r.Period, r.ItemID, r.ChannelStoreID}
		s, ok := rev[k]
		if !ok {
			s = side{flag: core.Actual, present: true}
		}
		s.flag = core.Combine(s.flag, r.Flag)
		if s.country == "" {
			s.country = r.Country
		}
		if r.NetRevenueKRW.Valid {
			s.amount = s.amount.Add(r.NetRevenueKRW.Decimal)
		}
		rev[k] = s
	}
	// COGS arrives grain-unique; the build step fails the run otherwise.
	cog := make(map[grain]side)
	for _, c := range cogs {
		k := grain{c.Period, c.ItemID, c.ChannelStoreID}
		s := side{flag: c.Flag, country: c.Country, present: true}
		if c.COGSKRW.Valid {
			s.amount = c.COGSKRW.Decimal
		}
		cog[k] = s
	}

	keys := unionKeys(rev, cog)

	rows := make([]warehouse.GrossMarginRow, 0, len(keys))
	for _, k := range keys {
		r, c := rev[k], cog[k]

		country := r.country
		if country == "" {
			country = c.country
		}
		if country == "" {
			country = defaultCountry
		}

		rows = append(rows, warehouse.GrossMarginRow{
			Period:         k.Period,
			ItemID:         k.ItemID,
			ChannelStoreID: k.ChannelStoreID,
			Country:        country,
			NetRevenueKRW:  r.amount,
			COGSKRW:        c.amount,
			GrossMarginKRW: r.amount.Sub(c.amount),
			Flag:           core.Combine(sideFlag(r.present, r.flag), sideFlag(c.present, c.flag)),
		})
	}
	return rows
}

// sideFlag treats an absent join side as PARTIAL input.
func sideFlag(present bool, flag core.CoverageFlag) core.CoverageFlag {
	if !present {
		return core.Partial
	}
	return flag
}

// =============================================================================
// VARIABLE COST = allocated charges grouped to the P&L grain
// =============================================================================

func buildVariableCost(ctx context.Context, db warehouse.DBTX, log *logrus.Entry) ([]warehouse.VariableCostRow, error) {
	allocated, err := warehouse.AllocatedRows(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load allocated charges: %w", err)
	}

	type vcKey struct {
		grain
		Domain     string
		ChargeType string
	}
	type vcAgg struct {
		amount  decimal.Decimal
		partial bool
	}

	sums := make(map[vcKey]*vcAgg)
	for _, a := range allocated {
		item := a.ItemID
		if item == "" {
			item = "ALL"
		}
		cs := a.ChannelStoreID
		if cs == "" {
			cs = "ALL"
		}
		k := vcKey{
			grain:      grain{a.Period, item, cs},
			Domain:     a.ChargeDomain,
			ChargeType: a.ChargeType,
		}
		agg, ok := sums[k]
		if !ok {
			agg = &vcAgg{}
			sums[k] = agg
		}
		if a.AmountKRW.Valid {
			agg.amount = agg.amount.Add(a.AmountKRW.Decimal)
		} else {
			// Unconverted amounts cannot be summed into KRW; the group is
			// understated and must say so.
			agg.partial = true
		}
	}

	keys := make([]vcKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		ka, kb := keys[a], keys[b]
		if ka.Period != kb.Period {
			return ka.Period < kb.Period
		}
		if ka.ItemID != kb.ItemID {
			return ka.ItemID < kb.ItemID
		}
		if ka.ChannelStoreID != kb.ChannelStoreID {
			return ka.ChannelStoreID < kb.ChannelStoreID
		}
		return ka.ChargeType < kb.ChargeType
	})

	rows := make([]warehouse.VariableCostRow, 0, len(keys))
	for _, k := range keys {
		agg := sums[k]
		flag := core.Actual
		if agg.partial {
			flag = core.Partial
		}
		rows = append(rows, warehouse.VariableCostRow{
			Period:         k.Period,
			ItemID:         k.ItemID,
			ChannelStoreID: k.ChannelStoreID,
			Country:        defaultCountry,
			ChargeDomain:   k.Domain,
			ChargeType:     k.ChargeType,
			AmountKRW:      agg.amount,
			Flag:           flag,
		})
	}
	return rows, nil
}

// =============================================================================
// CONTRIBUTION = gross margin - variable cost
// =============================================================================

func buildContribution(margins []warehouse.GrossMarginRow, varCosts []warehouse.VariableCostRow) []warehouse.ContributionRow {
	type vcTotal struct {
		amount decimal.Decimal
		flag   core.CoverageFlag
	}
	totals := make(map[grain]*vcTotal)
	for _, vc := range varCosts {
		k := grain{vc.Period, vc.ItemID, vc.ChannelStoreID}
		t, ok := totals[k]
		if !ok {
			t = &vcTotal{flag: core.Actual}
			totals[k] = t
		}
		t.amount = t.amount.Add(vc.AmountKRW)
		t.flag = core.Combine(t.flag, vc.Flag)
	}

	rows := make([]warehouse.ContributionRow, 0, len(margins))
	for _, gm := range margins {
		k := grain{gm.Period, gm.ItemID, gm.ChannelStoreID}

		// No variable cost rows for a grain means nothing to subtract and
		// nothing to distrust; the flag is the margin's alone.
		varCost := decimal.Zero
		flag := gm.Flag
		if t, ok := totals[k]; ok {
			varCost = t.amount
			flag = core.Combine(gm.Flag, t.flag)
		}

		rows = append(rows, warehouse.ContributionRow{
			Period:          gm.Period,
			ItemID:          gm.ItemID,
			ChannelStoreID:  gm.ChannelStoreID,
			Country:         gm.Country,
			GrossMarginKRW:  gm.GrossMarginKRW,
			VariableCostKRW: varCost,
			ContributionKRW: gm.GrossMarginKRW.Sub(varCost),
			Flag:            flag,
		})
	}
	return rows
}

// =============================================================================
// OPERATING PROFIT = contribution - fixed cost
// =============================================================================

// buildOperatingProfit carries contribution through with a zero fixed
// cost line. Fixed cost is manually entered, not derived, so it is
// excluded from coverage: the flag is inherited unchanged.
func buildOperatingProfit(contribs []warehouse.ContributionRow) []warehouse.OperatingProfitRow {
	rows := make([]warehouse.OperatingProfitRow, 0, len(contribs))
	for _, c := range contribs {
		rows = append(rows, warehouse.OperatingProfitRow{
			Period:             c.Period,
			ItemID:             c.ItemID,
			ChannelStoreID:     c.ChannelStoreID,
			Country:            c.Country,
			ContributionKRW:    c.ContributionKRW,
			FixedCostKRW:       decimal.Zero,
			OperatingProfitKRW: c.ContributionKRW,
			Flag:               c.Flag,
		})
	}
	return rows
}

// =============================================================================
// WATERFALL SUMMARY
// =============================================================================

// Metric names and their fixed presentation order.
const (
	MetricNetRevenue      = "Net Revenue"
	MetricCOGS            = "COGS"
	MetricGrossMargin     = "Gross Margin"
	MetricVariableCost    = "Variable Cost"
	MetricContribution    = "Contribution"
	MetricOperatingProfit = "Operating Profit"
)

func buildSummary(
	revenue []warehouse.RevenueRow,
	cogs []warehouse.COGSRow,
	margins []warehouse.GrossMarginRow,
	varCosts []warehouse.VariableCostRow,
	contribs []warehouse.ContributionRow,
	profits []warehouse.OperatingProfitRow,
) []warehouse.SummaryRow {
	totals := make(map[core.Period]map[int]decimal.Decimal)
	add := func(period core.Period, order int, amount decimal.Decimal) {
		if totals[period] == nil {
			totals[period] = make(map[int]decimal.Decimal)
		}
		totals[period][order] = totals[period][order].Add(amount)
	}

	// Null KRW amounts (missing FX/cost) contribute nothing to the
	// rollup; the per-row flags already say the totals are understated.
	for _, r := range revenue {
		if r.NetRevenueKRW.Valid {
			add(r.Period, 1, r.NetRevenueKRW.Decimal)
		}
	}
	for _, c := range cogs {
		if c.COGSKRW.Valid {
			add(c.Period, 2, c.COGSKRW.Decimal)
		}
	}
	for _, m := range margins {
		add(m.Period, 3, m.GrossMarginKRW)
	}
	for _, vc := range varCosts {
		add(vc.Period, 4, vc.AmountKRW)
	}
	for _, c := range contribs {
		add(c.Period, 5, c.ContributionKRW)
	}
	for _, p := range profits {
		add(p.Period, 6, p.OperatingProfitKRW)
	}

	names := map[int]string{
		1: MetricNetRevenue,
		2: MetricCOGS,
		3: MetricGrossMargin,
		4: MetricVariableCost,
		5: MetricContribution,
		6: MetricOperatingProfit,
	}

	periods := make([]core.Period, 0, len(totals))
	for p := range totals {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(a, b int) bool { return periods[a] < periods[b] })

	var rows []warehouse.SummaryRow
	for _, p := range periods {
		for order := 1; order <= 6; order++ {
			amount, ok := totals[p][order]
			if !ok {
				amount = decimal.Zero
			}
			rows = append(rows, warehouse.SummaryRow{
				Period:      p,
				MetricName:  names[order],
				MetricOrder: order,
				AmountKRW:   amount,
			})
		}
	}
	return rows
}

// unionKeys merges the key sets of two grain maps into a sorted slice.
func unionKeys[A, B any](left map[grain]A, right map[grain]B) []grain {
	set := make(map[grain]bool, len(left)+len(right))
	for k := range left {
		set[k] = true
	}
	for k := range right {
		set[k] = true
	}
	keys := make([]grain, 0, len(set))
	for k := range set {
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
	return keys
}
