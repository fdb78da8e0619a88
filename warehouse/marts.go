/*
marts.go - Derived mart rows

Every mart is rebuilt wholesale: the writer deletes the table and inserts
the new rows in one pass. Readers exist for the stages that consume an
upstream mart and for the reporting surfaces (status, HTTP API, export).

Nullable KRW columns stay null in storage when the input was incomplete;
coverage_flag says why.
*/
package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/trellis/pnl-engine/core"
)

// =============================================================================
// ROW TYPES
// =============================================================================

// AllocatedRow is one target's share of one invoice line.
type AllocatedRow struct {
	Period         core.Period
	ChargeType     string
	ChargeDomain   string
	CostStage      string
	InvoiceNo      string
	InvoiceLineNo  int64
	ItemID         string
	WarehouseID    string
	ChannelStoreID string
	LotID          string
	Basis          string
	BasisValue     decimal.Decimal
	Amount         decimal.Decimal // charge currency
	AmountKRW      core.NullDecimal
	Currency       string
	Capitalizable  bool
}

// CoverageRow is one (period, domain) classification.
type CoverageRow struct {
	Period       core.Period
	Domain       string
	CoverageRate float64
	IncludedRows int64
	MissingRows  int64
	Severity     core.Severity
	ClosedPeriod bool
}

type RevenueRow struct {
	Period         core.Period
	ItemID         string
	ChannelStoreID string
	Country        string
	GrossSalesKRW  core.NullDecimal
	DiscountsKRW   core.NullDecimal
	RefundsKRW     core.NullDecimal
	NetRevenueKRW  core.NullDecimal
	Source         string
	Flag           core.CoverageFlag
}

type COGSRow struct {
	Period         core.Period
	ItemID         string
	ChannelStoreID string
	Country        string
	QtyShipped     float64
	QtyReturned    float64
	QtyNet         float64
	UnitCostKRW    core.NullDecimal
	COGSKRW        core.NullDecimal
	Flag           core.CoverageFlag
}

type GrossMarginRow struct {
	Period         core.Period
	ItemID         string
	ChannelStoreID string
	Country        string
	NetRevenueKRW  decimal.Decimal
	COGSKRW        decimal.Decimal
	GrossMarginKRW decimal.Decimal
	Flag           core.CoverageFlag
}

type VariableCostRow struct {
	Period         core.Period
	ItemID         string
	ChannelStoreID string
	Country        string
	ChargeDomain   string
	ChargeType     string
	AmountKRW      decimal.Decimal
	Flag           core.CoverageFlag
}

type ContributionRow struct {
	Period          core.Period
	ItemID          string
	ChannelStoreID  string
	Country         string
	GrossMarginKRW  decimal.Decimal
	VariableCostKRW decimal.Decimal
	ContributionKRW decimal.Decimal
	Flag            core.CoverageFlag
}

type OperatingProfitRow struct {
	Period             core.Period
	ItemID             string
	ChannelStoreID     string
	Country            string
	ContributionKRW    decimal.Decimal
	FixedCostKRW       decimal.Decimal
	OperatingProfitKRW decimal.Decimal
	Flag               core.CoverageFlag
}

type SummaryRow struct {
	Period      core.Period
	MetricName  string
	MetricOrder int
	AmountKRW   decimal.Decimal
}

// TieOutRow compares invoice totals against allocated totals per
// (period, charge_type). Tied=false is a processing defect: the allocation
// engine guarantees conservation.
type TieOutRow struct {
	Period         core.Period
	ChargeType     string
	InvoiceTotal   decimal.Decimal
	AllocatedTotal decimal.Decimal
	Delta          decimal.Decimal
	Tied           bool
}

// =============================================================================
// WRITERS (full replace)
// =============================================================================

func clearTable(ctx context.Context, db DBTX, table string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

func ReplaceAllocated(ctx context.Context, db DBTX, rows []AllocatedRow) error {
	if err := clearTable(ctx, db, "mart_charge_allocated"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_charge_allocated
			(period, charge_type, charge_domain, cost_stage, invoice_no, invoice_line_no,
			 item_id, warehouse_id, channel_store_id, lot_id, allocation_basis, basis_value,
			 allocated_amount, allocated_amount_krw, currency, capitalizable_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ChargeType, r.ChargeDomain, r.CostStage, r.InvoiceNo, r.InvoiceLineNo,
			r.ItemID, r.WarehouseID, r.ChannelStoreID, r.LotID, r.Basis, r.BasisValue.String(),
			r.Amount.String(), decArg(r.AmountKRW), r.Currency, boolInt(r.Capitalizable))
		if err != nil {
			return fmt.Errorf("insert allocated %s/%d: %w", r.InvoiceNo, r.InvoiceLineNo, err)
		}
	}
	return nil
}

func ReplaceCoverage(ctx context.Context, db DBTX, rows []CoverageRow) error {
	if err := clearTable(ctx, db, "mart_coverage_period"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_coverage_period
			(period, domain, coverage_rate, included_rows, missing_rows, severity, is_closed_period)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.Domain, r.CoverageRate, r.IncludedRows, r.MissingRows,
			string(r.Severity), boolInt(r.ClosedPeriod))
		if err != nil {
			return fmt.Errorf("insert coverage %s/%s: %w", r.Period, r.Domain, err)
		}
	}
	return nil
}

func ReplaceRevenue(ctx context.Context, db DBTX, rows []RevenueRow) error {
	if err := clearTable(ctx, db, "mart_pnl_revenue"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_revenue
			(period, item_id, channel_store_id, country, gross_sales_krw, discounts_krw,
			 refunds_krw, net_revenue_krw, source, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country,
			decArg(r.GrossSalesKRW), decArg(r.DiscountsKRW), decArg(r.RefundsKRW), decArg(r.NetRevenueKRW),
			r.Source, string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert revenue row: %w", err)
		}
	}
	return nil
}

func ReplaceCOGS(ctx context.Context, db DBTX, rows []COGSRow) error {
	if err := clearTable(ctx, db, "mart_pnl_cogs"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_cogs
			(period, item_id, channel_store_id, country, qty_shipped, qty_returned, qty_net,
			 unit_cost_krw, cogs_krw, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country,
			r.QtyShipped, r.QtyReturned, r.QtyNet,
			decArg(r.UnitCostKRW), decArg(r.COGSKRW), string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert cogs row: %w", err)
		}
	}
	return nil
}

func ReplaceGrossMargin(ctx context.Context, db DBTX, rows []GrossMarginRow) error {
	if err := clearTable(ctx, db, "mart_pnl_gross_margin"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_gross_margin
			(period, item_id, channel_store_id, country, net_revenue_krw, cogs_krw,
			 gross_margin_krw, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country,
			r.NetRevenueKRW.String(), r.COGSKRW.String(), r.GrossMarginKRW.String(), string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert gross margin row: %w", err)
		}
	}
	return nil
}

func ReplaceVariableCost(ctx context.Context, db DBTX, rows []VariableCostRow) error {
	if err := clearTable(ctx, db, "mart_pnl_variable_cost"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_variable_cost
			(period, item_id, channel_store_id, country, charge_domain, charge_type,
			 allocated_amount_krw, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country, r.ChargeDomain, r.ChargeType,
			r.AmountKRW.String(), string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert variable cost row: %w", err)
		}
	}
	return nil
}

func ReplaceContribution(ctx context.Context, db DBTX, rows []ContributionRow) error {
	if err := clearTable(ctx, db, "mart_pnl_contribution"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_contribution
			(period, item_id, channel_store_id, country, gross_margin_krw,
			 total_variable_cost_krw, contribution_krw, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country,
			r.GrossMarginKRW.String(), r.VariableCostKRW.String(), r.ContributionKRW.String(), string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert contribution row: %w", err)
		}
	}
	return nil
}

func ReplaceOperatingProfit(ctx context.Context, db DBTX, rows []OperatingProfitRow) error {
	if err := clearTable(ctx, db, "mart_pnl_operating_profit"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_operating_profit
			(period, item_id, channel_store_id, country, contribution_krw, fixed_cost_krw,
			 operating_profit_krw, coverage_flag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ItemID, r.ChannelStoreID, r.Country,
			r.ContributionKRW.String(), r.FixedCostKRW.String(), r.OperatingProfitKRW.String(), string(r.Flag))
		if err != nil {
			return fmt.Errorf("insert operating profit row: %w", err)
		}
	}
	return nil
}

func ReplaceWaterfallSummary(ctx context.Context, db DBTX, rows []SummaryRow) error {
	if err := clearTable(ctx, db, "mart_pnl_waterfall_summary"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_pnl_waterfall_summary (period, metric_name, metric_order, amount_krw)
			VALUES (?, ?, ?, ?)`,
			string(r.Period), r.MetricName, r.MetricOrder, r.AmountKRW.String())
		if err != nil {
			return fmt.Errorf("insert waterfall summary row: %w", err)
		}
	}
	return nil
}

func ReplaceTieOut(ctx context.Context, db DBTX, rows []TieOutRow) error {
	if err := clearTable(ctx, db, "mart_reco_charges_invoice_vs_allocated"); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `
			INSERT INTO mart_reco_charges_invoice_vs_allocated
			(period, charge_type, invoice_total, allocated_total, delta, tied)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(r.Period), r.ChargeType, r.InvoiceTotal.String(), r.AllocatedTotal.String(),
			r.Delta.String(), boolInt(r.Tied))
		if err != nil {
			return fmt.Errorf("insert tie-out row: %w", err)
		}
	}
	return nil
}

// =============================================================================
// READERS
// =============================================================================

// AllocatedRows loads the allocation mart, ordered for reproducible output.
func AllocatedRows(ctx context.Context, db DBTX) ([]AllocatedRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, charge_type, charge_domain, cost_stage, invoice_no, invoice_line_no,
		       item_id, warehouse_id, channel_store_id, lot_id, allocation_basis, basis_value,
		       allocated_amount, allocated_amount_krw, currency, capitalizable_flag
		FROM mart_charge_allocated
		ORDER BY period, invoice_no, invoice_line_no, item_id, lot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AllocatedRow
	for rows.Next() {
		var r AllocatedRow
		var period, basisValue, amount string
		var amountKRW sql.NullString
		var capitalizable int
		if err := rows.Scan(&period, &r.ChargeType, &r.ChargeDomain, &r.CostStage, &r.InvoiceNo,
			&r.InvoiceLineNo, &r.ItemID, &r.WarehouseID, &r.ChannelStoreID, &r.LotID, &r.Basis,
			&basisValue, &amount, &amountKRW, &r.Currency, &capitalizable); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.BasisValue, err = decimal.NewFromString(basisValue); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if r.AmountKRW, err = ScanDecimal(amountKRW); err != nil {
			return nil, err
		}
		r.Capitalizable = capitalizable != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevenueRows loads the revenue mart for the gross-margin join.
func RevenueRows(ctx context.Context, db DBTX) ([]RevenueRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, item_id, channel_store_id, country, gross_sales_krw, discounts_krw,
		       refunds_krw, net_revenue_krw, source, coverage_flag
		FROM mart_pnl_revenue
		ORDER BY period, item_id, channel_store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RevenueRow
	for rows.Next() {
		var r RevenueRow
		var period string
		var gross, disc, refunds, net sql.NullString
		if err := rows.Scan(&period, &r.ItemID, &r.ChannelStoreID, &r.Country,
			&gross, &disc, &refunds, &net, &r.Source, (*string)(&r.Flag)); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.GrossSalesKRW, err = ScanDecimal(gross); err != nil {
			return nil, err
		}
		if r.DiscountsKRW, err = ScanDecimal(disc); err != nil {
			return nil, err
		}
		if r.RefundsKRW, err = ScanDecimal(refunds); err != nil {
			return nil, err
		}
		if r.NetRevenueKRW, err = ScanDecimal(net); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// COGSRows loads the COGS mart for the gross-margin join.
func COGSRows(ctx context.Context, db DBTX) ([]COGSRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, item_id, channel_store_id, country, qty_shipped, qty_returned, qty_net,
		       unit_cost_krw, cogs_krw, coverage_flag
		FROM mart_pnl_cogs
		ORDER BY period, item_id, channel_store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []COGSRow
	for rows.Next() {
		var r COGSRow
		var period string
		var unitCost, cogs sql.NullString
		if err := rows.Scan(&period, &r.ItemID, &r.ChannelStoreID, &r.Country,
			&r.QtyShipped, &r.QtyReturned, &r.QtyNet, &unitCost, &cogs, (*string)(&r.Flag)); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.UnitCostKRW, err = ScanDecimal(unitCost); err != nil {
			return nil, err
		}
		if r.COGSKRW, err = ScanDecimal(cogs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GrossMarginRows loads the gross-margin mart for the contribution join.
func GrossMarginRows(ctx context.Context, db DBTX) ([]GrossMarginRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, item_id, channel_store_id, country, net_revenue_krw, cogs_krw,
		       gross_margin_krw, coverage_flag
		FROM mart_pnl_gross_margin
		ORDER BY period, item_id, channel_store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrossMarginRow
	for rows.Next() {
		var r GrossMarginRow
		var period, net, cogs, gm string
		if err := rows.Scan(&period, &r.ItemID, &r.ChannelStoreID, &r.Country,
			&net, &cogs, &gm, (*string)(&r.Flag)); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.NetRevenueKRW, err = decimal.NewFromString(net); err != nil {
			return nil, err
		}
		if r.COGSKRW, err = decimal.NewFromString(cogs); err != nil {
			return nil, err
		}
		if r.GrossMarginKRW, err = decimal.NewFromString(gm); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VariableCostRows loads the variable-cost mart for the contribution join.
func VariableCostRows(ctx context.Context, db DBTX) ([]VariableCostRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, item_id, channel_store_id, country, charge_domain, charge_type,
		       allocated_amount_krw, coverage_flag
		FROM mart_pnl_variable_cost
		ORDER BY period, item_id, channel_store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VariableCostRow
	for rows.Next() {
		var r VariableCostRow
		var period, amount string
		if err := rows.Scan(&period, &r.ItemID, &r.ChannelStoreID, &r.Country,
			&r.ChargeDomain, &r.ChargeType, &amount, (*string)(&r.Flag)); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.AmountKRW, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ContributionRows loads the contribution mart for the operating-profit pass.
func ContributionRows(ctx context.Context, db DBTX) ([]ContributionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, item_id, channel_store_id, country, gross_margin_krw,
		       total_variable_cost_krw, contribution_krw, coverage_flag
		FROM mart_pnl_contribution
		ORDER BY period, item_id, channel_store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContributionRow
	for rows.Next() {
		var r ContributionRow
		var period, gm, vc, contrib string
		if err := rows.Scan(&period, &r.ItemID, &r.ChannelStoreID, &r.Country,
			&gm, &vc, &contrib, (*string)(&r.Flag)); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.GrossMarginKRW, err = decimal.NewFromString(gm); err != nil {
			return nil, err
		}
		if r.VariableCostKRW, err = decimal.NewFromString(vc); err != nil {
			return nil, err
		}
		if r.ContributionKRW, err = decimal.NewFromString(contrib); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WaterfallSummary loads the pivoted summary for export and the HTTP API.
func WaterfallSummary(ctx context.Context, db DBTX) ([]SummaryRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, metric_name, metric_order, amount_krw
		FROM mart_pnl_waterfall_summary
		ORDER BY period, metric_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var period, amount string
		if err := rows.Scan(&period, &r.MetricName, &r.MetricOrder, &amount); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.AmountKRW, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CoverageRecords loads the coverage mart, worst severity first.
func CoverageRecords(ctx context.Context, db DBTX) ([]CoverageRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, domain, coverage_rate, included_rows, missing_rows, severity, is_closed_period
		FROM mart_coverage_period
		ORDER BY CASE severity WHEN 'CRITICAL' THEN 0 WHEN 'INFO' THEN 1 ELSE 2 END, period, domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverageRow
	for rows.Next() {
		var r CoverageRow
		var period string
		var closed int
		if err := rows.Scan(&period, &r.Domain, &r.CoverageRate, &r.IncludedRows,
			&r.MissingRows, (*string)(&r.Severity), &closed); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		r.ClosedPeriod = closed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// TieOutRows loads the charge tie-out mart.
func TieOutRows(ctx context.Context, db DBTX) ([]TieOutRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT period, charge_type, invoice_total, allocated_total, delta, tied
		FROM mart_reco_charges_invoice_vs_allocated
		ORDER BY period, charge_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TieOutRow
	for rows.Next() {
		var r TieOutRow
		var period, invoice, allocated, delta string
		var tied int
		if err := rows.Scan(&period, &r.ChargeType, &invoice, &allocated, &delta, &tied); err != nil {
			return nil, err
		}
		r.Period = core.Period(period)
		if r.InvoiceTotal, err = decimal.NewFromString(invoice); err != nil {
			return nil, err
		}
		if r.AllocatedTotal, err = decimal.NewFromString(allocated); err != nil {
			return nil, err
		}
		if r.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		r.Tied = tied != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
