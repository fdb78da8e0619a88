/*
run.go - Full-warehouse allocation pass

Drives the pure engine over every ingested charge, persists the result
into mart_charge_allocated, and rebuilds the invoice-vs-allocated tie-out
mart. A charge with no usable basis is skipped (never persisted) and
surfaced as an issue: skipped charges shrink conservation at the
portfolio level, and the tie-out mart makes that visible per charge type.
*/
package allocation

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
)

// Summary reports what one allocation pass did.
type Summary struct {
	Charges   int // invoice lines considered
	Rows      int // allocated rows written
	Skipped   int // charges with no usable basis
	MissingFX int // charges whose KRW amounts are null
}

// Run allocates every charge in the warehouse and fully replaces
// mart_charge_allocated and the tie-out mart.
func Run(ctx context.Context, db warehouse.DBTX, set *policy.Set, log *logrus.Entry) (Summary, error) {
	var sum Summary

	charges, err := warehouse.Charges(ctx, db)
	if err != nil {
		return sum, fmt.Errorf("load charges: %w", err)
	}
	rates, err := warehouse.FXRates(ctx, db)
	if err != nil {
		return sum, fmt.Errorf("load fx rates: %w", err)
	}
	shipments, err := warehouse.Shipments(ctx, db)
	if err != nil {
		return sum, fmt.Errorf("load shipments: %w", err)
	}

	sum.Charges = len(charges)

	var out []warehouse.AllocatedRow
	for _, charge := range charges {
		ct, err := set.ChargeType(charge.ChargeType)
		if err != nil {
			sum.Skipped++
			log.WithField("invoice", charge.InvoiceNo).Warn(err.Error())
			if _, lerr := warehouse.LogIssue(ctx, db, warehouse.Issue{
				IssueType:  "unknown_charge_type",
				Severity:   core.SeverityCritical,
				EntityType: "charge",
				EntityID:   fmt.Sprintf("%s/%d", charge.InvoiceNo, charge.InvoiceLineNo),
				Period:     charge.Period,
				Detail:     err.Error(),
			}); lerr != nil {
				return sum, lerr
			}
			continue
		}

		targets := TargetsFor(charge, shipments)
		rows, err := Allocate(charge.ChargeType, charge.Amount, targets, set)
		if err != nil {
			sum.Skipped++
			log.WithFields(logrus.Fields{
				"invoice":     charge.InvoiceNo,
				"line":        charge.InvoiceLineNo,
				"charge_type": charge.ChargeType,
			}).Warn(err.Error())
			if _, lerr := warehouse.LogIssue(ctx, db, warehouse.Issue{
				IssueType:  "allocation_skipped",
				Severity:   core.SeverityCritical,
				Domain:     ct.Domain,
				EntityType: "charge",
				EntityID:   fmt.Sprintf("%s/%d", charge.InvoiceNo, charge.InvoiceLineNo),
				Period:     charge.Period,
				Detail:     err.Error(),
			}); lerr != nil {
				return sum, lerr
			}
			continue
		}

		rate := resolveRate(rates, charge.Period, charge.Currency)
		if !rate.Valid {
			sum.MissingFX++
			if _, lerr := warehouse.LogIssue(ctx, db, warehouse.Issue{
				IssueType:  "missing_fx_rate",
				Severity:   core.SeverityCritical,
				Domain:     "fx_rate",
				EntityType: "currency",
				EntityID:   charge.Currency,
				Period:     charge.Period,
				Detail:     fmt.Sprintf("no rate for %s in %s; allocated KRW amounts left null", charge.Currency, charge.Period),
			}); lerr != nil {
				return sum, lerr
			}
		}
		ApplyFX(rows, rate)

		for _, r := range rows {
			out = append(out, warehouse.AllocatedRow{
				Period:         charge.Period,
				ChargeType:     charge.ChargeType,
				ChargeDomain:   ct.Domain,
				CostStage:      ct.CostStage,
				InvoiceNo:      charge.InvoiceNo,
				InvoiceLineNo:  charge.InvoiceLineNo,
				ItemID:         r.ItemID,
				WarehouseID:    r.WarehouseID,
				ChannelStoreID: r.ChannelStoreID,
				LotID:          r.LotID,
				Basis:          string(r.Basis),
				BasisValue:     r.BasisValue,
				Amount:         r.Amount,
				AmountKRW:      r.AmountKRW,
				Currency:       charge.Currency,
				Capitalizable:  ct.Capitalizable,
			})
		}
	}
	sum.Rows = len(out)

	if err := warehouse.ReplaceAllocated(ctx, db, out); err != nil {
		return sum, err
	}
	if err := warehouse.ReplaceTieOut(ctx, db, tieOut(charges, out)); err != nil {
		return sum, err
	}

	log.WithFields(logrus.Fields{
		"charges":    sum.Charges,
		"rows":       sum.Rows,
		"skipped":    sum.Skipped,
		"missing_fx": sum.MissingFX,
	}).Info("allocation complete")
	return sum, nil
}

// resolveRate returns the KRW conversion rate for (period, currency).
// KRW is identity; anything else must be in the rate table or the result
// is null.
func resolveRate(rates map[core.Period]map[string]decimal.Decimal, period core.Period, currency string) core.NullDecimal {
	if currency == "KRW" {
		return core.DecimalPtr(decOne)
	}
	if byCurrency, ok := rates[period]; ok {
		if rate, ok := byCurrency[currency]; ok {
			return core.DecimalPtr(rate)
		}
	}
	return core.NoDecimal()
}

// tieOut reconciles invoice totals against allocated totals per
// (period, charge_type). A skipped charge shows up as an untied group.
func tieOut(charges []warehouse.Charge, allocated []warehouse.AllocatedRow) []warehouse.TieOutRow {
	type key struct {
		period     core.Period
		chargeType string
	}

	invoice := make(map[key]decimal.Decimal)
	for _, c := range charges {
		k := key{c.Period, c.ChargeType}
		invoice[k] = invoice[k].Add(c.Amount)
	}
	alloc := make(map[key]decimal.Decimal)
	for _, a := range allocated {
		k := key{a.Period, a.ChargeType}
		alloc[k] = alloc[k].Add(a.Amount)
	}

	keys := make([]key, 0, len(invoice))
	for k := range invoice {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].period != keys[b].period {
			return keys[a].period < keys[b].period
		}
		return keys[a].chargeType < keys[b].chargeType
	})

	rows := make([]warehouse.TieOutRow, 0, len(keys))
	for _, k := range keys {
		delta := invoice[k].Sub(alloc[k])
		rows = append(rows, warehouse.TieOutRow{
			Period:         k.period,
			ChargeType:     k.chargeType,
			InvoiceTotal:   invoice[k],
			AllocatedTotal: alloc[k],
			Delta:          delta,
			Tied:           delta.IsZero(),
		})
	}
	return rows
}
