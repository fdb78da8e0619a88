/*
revenue.go - Settlement-based revenue with fail-loud FX

A KRW settlement converts at identity. Any other currency must have a
rate for (period, currency); without one, every KRW column on that row
is null and the row is PARTIAL. Understating revenue loudly beats
misstating it silently at an assumed 1.0 rate.
*/
package waterfall

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

const defaultCountry = "KR"

func buildRevenue(ctx context.Context, db warehouse.DBTX, log *logrus.Entry) ([]warehouse.RevenueRow, error) {
	settlements, err := warehouse.Settlements(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}
	rates, err := warehouse.FXRates(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load fx rates: %w", err)
	}
	countries, err := warehouse.ChannelCountries(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load channel countries: %w", err)
	}

	missingFX := 0
	rows := make([]warehouse.RevenueRow, 0, len(settlements))
	for _, s := range settlements {
		country := countries[s.ChannelStoreID]
		if country == "" {
			country = defaultCountry
		}
		row := warehouse.RevenueRow{
			Period:         s.Period,
			ItemID:         s.ItemID,
			ChannelStoreID: s.ChannelStoreID,
			Country:        country,
			Source:         "settlement",
		}

		rate, ok := revenueRate(rates, s.Period, s.Currency)
		if ok {
			row.GrossSalesKRW = convert(s.GrossSales, rate)
			row.DiscountsKRW = convert(s.Discounts, rate)
			row.RefundsKRW = convert(s.Refunds, rate)
			row.NetRevenueKRW = convert(s.NetPayout, rate)
			row.Flag = core.Actual
		} else {
			// Missing FX: all KRW columns stay null.
			row.Flag = core.Partial
			missingFX++
		}
		rows = append(rows, row)
	}

	if missingFX > 0 {
		log.WithField("rows", missingFX).
			Warn("fx missing for settlement rows; krw columns null, coverage PARTIAL")
	}
	return rows, nil
}

func revenueRate(rates map[core.Period]map[string]decimal.Decimal, period core.Period, currency string) (decimal.Decimal, bool) {
	if currency == "KRW" {
		return decimal.New(1, 0), true
	}
	if byCurrency, ok := rates[period]; ok {
		if rate, ok := byCurrency[currency]; ok {
			return rate, true
		}
	}
	return decimal.Decimal{}, false
}

// convert applies the rate, treating a null local amount as zero (the
// settlement line exists; the column was simply not reported).
func convert(amount core.NullDecimal, rate decimal.Decimal) core.NullDecimal {
	if !amount.Valid {
		return core.DecimalPtr(decimal.Zero)
	}
	return core.DecimalPtr(amount.Decimal.Mul(rate))
}
