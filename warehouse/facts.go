/*
facts.go - Core fact and dimension rows

The external ingester (out of scope here) is the main writer of these
tables. The helpers below are the only write path and they enforce the
closed-period gate: a row scoped to a closed accounting period is rejected
with core.PeriodClosedError, pointing the caller at the adjustment path.

Fact rows are immutable once ingested; a later batch supersedes a row only
by upserting the same business key under a new load_batch_id.
*/
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
)

// SystemCols tags every core fact row with its provenance.
type SystemCols struct {
	SourceSystem   string
	LoadBatchID    int64
	SourceFileHash string
	SourcePK       string
}

// =============================================================================
// ROW TYPES
// =============================================================================

// Charge is one invoice line from fact_charge_actual.
type Charge struct {
	InvoiceNo      string
	InvoiceLineNo  int64
	ChargeType     string
	Amount         decimal.Decimal
	Currency       string
	Period         core.Period
	InvoiceDate    string
	VendorID       string
	ChannelStoreID string
	WarehouseID    string
	Country        string
	SystemCols
}

// Shipment is one outbound movement; shipments are the default allocation
// target set and the quantity source for COGS.
type Shipment struct {
	ShipmentID     string
	ShipDate       time.Time
	WarehouseID    string
	ItemID         string
	QtyShipped     float64
	LotID          string
	Weight         sql.NullFloat64
	VolumeCBM      sql.NullFloat64
	ChannelOrderID string // empty = internal transfer, excluded from COGS
	ChannelStoreID string
	SystemCols
}

type Return struct {
	ReturnID       string
	ReturnDate     time.Time
	WarehouseID    string
	ItemID         string
	QtyReturned    float64
	LotID          string
	ChannelOrderID string
	Reason         string
	SystemCols
}

type Settlement struct {
	SettlementID   string
	LineNo         int64
	Period         core.Period
	ChannelStoreID string
	Currency       string
	ItemID         string
	GrossSales     core.NullDecimal
	Discounts      core.NullDecimal
	Fees           core.NullDecimal
	Refunds        core.NullDecimal
	NetPayout      core.NullDecimal
	SystemCols
}

type FXRate struct {
	Period    core.Period
	Currency  string
	RateToKRW decimal.Decimal
	SystemCols
}

// CostRow is one component of an item's versioned cost structure.
type CostRow struct {
	ItemID         string
	CostComponent  string
	EffectiveFrom  time.Time
	CostPerUnitKRW decimal.Decimal
	SystemCols
}

type Order struct {
	ChannelOrderID string
	LineNo         int64
	OrderDate      time.Time
	ChannelStoreID string
	ItemID         string
	QtyOrdered     float64
	Currency       string
	SystemCols
}

type ChannelStore struct {
	ChannelStoreID     string
	Channel            string
	Store              string
	Country            string
	SettlementCurrency string
}

// =============================================================================
// CLOSED-PERIOD GATE
// =============================================================================

// PeriodLocked reports whether the period-close ledger has lock_flag set
// for the period. The batch package owns the state machine; this is the
// storage-level read the write gate needs.
func PeriodLocked(ctx context.Context, db DBTX, period core.Period) (bool, error) {
	var locked int
	err := db.QueryRowContext(ctx,
		"SELECT lock_flag FROM ops_period_close WHERE period = ?", string(period),
	).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return locked != 0, nil
}

func checkOpen(ctx context.Context, db DBTX, period core.Period) error {
	locked, err := PeriodLocked(ctx, db, period)
	if err != nil {
		return err
	}
	if locked {
		return &core.PeriodClosedError{Period: period}
	}
	return nil
}

// =============================================================================
// WRITES (gated)
// =============================================================================

const dateLayout = "2006-01-02"

// UpsertCharge writes one invoice line. A re-ingested business key is
// replaced under the new batch id.
func UpsertCharge(ctx context.Context, db DBTX, c Charge) error {
	if err := checkOpen(ctx, db, c.Period); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_charge_actual
		(invoice_no, invoice_line_no, charge_type, amount, currency, period,
		 invoice_date, vendor_partner_id, channel_store_id, warehouse_id, country,
		 source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.InvoiceNo, c.InvoiceLineNo, c.ChargeType, c.Amount.String(), c.Currency, string(c.Period),
		nullString(c.InvoiceDate), nullString(c.VendorID), nullString(c.ChannelStoreID),
		nullString(c.WarehouseID), nullString(c.Country),
		c.SourceSystem, c.LoadBatchID, c.SourceFileHash, nullString(c.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert charge %s/%d: %w", c.InvoiceNo, c.InvoiceLineNo, err)
	}
	return nil
}

func UpsertShipment(ctx context.Context, db DBTX, s Shipment) error {
	if err := checkOpen(ctx, db, core.PeriodOf(s.ShipDate)); err != nil {
		return err
	}
	lot := s.LotID
	if lot == "" {
		lot = "__NONE__"
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_shipment
		(shipment_id, ship_date, warehouse_id, item_id, qty_shipped, lot_id,
		 weight, volume_cbm, channel_order_id, channel_store_id,
		 source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ShipmentID, s.ShipDate.Format(dateLayout), s.WarehouseID, s.ItemID, s.QtyShipped, lot,
		s.Weight, s.VolumeCBM, nullString(s.ChannelOrderID), nullString(s.ChannelStoreID),
		s.SourceSystem, s.LoadBatchID, s.SourceFileHash, nullString(s.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert shipment %s: %w", s.ShipmentID, err)
	}
	return nil
}

func UpsertReturn(ctx context.Context, db DBTX, r Return) error {
	if err := checkOpen(ctx, db, core.PeriodOf(r.ReturnDate)); err != nil {
		return err
	}
	lot := r.LotID
	if lot == "" {
		lot = "__NONE__"
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_return
		(return_id, return_date, warehouse_id, item_id, qty_returned, lot_id,
		 channel_order_id, reason, source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReturnID, r.ReturnDate.Format(dateLayout), r.WarehouseID, r.ItemID, r.QtyReturned, lot,
		nullString(r.ChannelOrderID), nullString(r.Reason),
		r.SourceSystem, r.LoadBatchID, r.SourceFileHash, nullString(r.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert return %s: %w", r.ReturnID, err)
	}
	return nil
}

func UpsertSettlement(ctx context.Context, db DBTX, s Settlement) error {
	if err := checkOpen(ctx, db, s.Period); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_settlement
		(settlement_id, line_no, period, channel_store_id, currency, item_id,
		 gross_sales, discounts, fees, refunds, net_payout,
		 source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SettlementID, s.LineNo, string(s.Period), s.ChannelStoreID, s.Currency, nullString(s.ItemID),
		decArg(s.GrossSales), decArg(s.Discounts), decArg(s.Fees), decArg(s.Refunds), decArg(s.NetPayout),
		s.SourceSystem, s.LoadBatchID, s.SourceFileHash, nullString(s.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert settlement %s/%d: %w", s.SettlementID, s.LineNo, err)
	}
	return nil
}

func UpsertFXRate(ctx context.Context, db DBTX, fx FXRate) error {
	if err := checkOpen(ctx, db, fx.Period); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_exchange_rate
		(period, currency, rate_to_krw, source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(fx.Period), fx.Currency, fx.RateToKRW.String(),
		fx.SourceSystem, fx.LoadBatchID, fx.SourceFileHash, nullString(fx.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert fx %s/%s: %w", fx.Period, fx.Currency, err)
	}
	return nil
}

// UpsertCostRow writes one versioned cost component. Cost masters are not
// period-scoped: effective_from versioning replaces period locking here.
func UpsertCostRow(ctx context.Context, db DBTX, c CostRow) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_cost_structure
		(item_id, cost_component, effective_from, cost_per_unit_krw,
		 source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ItemID, c.CostComponent, c.EffectiveFrom.Format(dateLayout), c.CostPerUnitKRW.String(),
		c.SourceSystem, c.LoadBatchID, c.SourceFileHash, nullString(c.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert cost %s/%s: %w", c.ItemID, c.CostComponent, err)
	}
	return nil
}

func UpsertOrder(ctx context.Context, db DBTX, o Order) error {
	if err := checkOpen(ctx, db, core.PeriodOf(o.OrderDate)); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_fact_order
		(channel_order_id, line_no, order_date, channel_store_id, item_id, qty_ordered, currency,
		 source_system, load_batch_id, source_file_hash, source_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ChannelOrderID, o.LineNo, o.OrderDate.Format(dateLayout), o.ChannelStoreID, o.ItemID,
		o.QtyOrdered, nullString(o.Currency),
		o.SourceSystem, o.LoadBatchID, o.SourceFileHash, nullString(o.SourcePK))
	if err != nil {
		return fmt.Errorf("upsert order %s/%d: %w", o.ChannelOrderID, o.LineNo, err)
	}
	return nil
}

func UpsertChannelStore(ctx context.Context, db DBTX, cs ChannelStore) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO core_dim_channel_store
		(channel_store_id, channel, store, country, settlement_currency)
		VALUES (?, ?, ?, ?, ?)`,
		cs.ChannelStoreID, nullString(cs.Channel), nullString(cs.Store),
		nullString(cs.Country), nullString(cs.SettlementCurrency))
	return err
}

// SeedChargePolicy mirrors the validated charge taxonomy into
// core_dim_charge_policy so dashboards can join against it. Full replace.
func SeedChargePolicy(ctx context.Context, db DBTX, set *policy.Set) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM core_dim_charge_policy"); err != nil {
		return err
	}
	for name, ct := range set.ChargeTypes {
		_, err := db.ExecContext(ctx, `
			INSERT INTO core_dim_charge_policy
			(charge_type, charge_domain, cost_stage, capitalizable_flag, default_allocation_basis, severity_if_missing)
			VALUES (?, ?, ?, ?, ?, ?)`,
			name, ct.Domain, ct.CostStage, boolInt(ct.Capitalizable), string(ct.DefaultBasis), ct.SeverityIfMissing)
		if err != nil {
			return fmt.Errorf("seed charge policy %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Charges loads every invoice line, ordered by business key for
// reproducible allocation runs.
func Charges(ctx context.Context, db DBTX) ([]Charge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT invoice_no, invoice_line_no, charge_type, amount, currency, period,
		       COALESCE(channel_store_id, ''), COALESCE(warehouse_id, '')
		FROM core_fact_charge_actual
		ORDER BY period, invoice_no, invoice_line_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []Charge
	for rows.Next() {
		var c Charge
		var amount, period string
		if err := rows.Scan(&c.InvoiceNo, &c.InvoiceLineNo, &c.ChargeType, &amount, &c.Currency,
			&period, &c.ChannelStoreID, &c.WarehouseID); err != nil {
			return nil, err
		}
		c.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("charge %s/%d: bad amount %q: %w", c.InvoiceNo, c.InvoiceLineNo, amount, err)
		}
		c.Period = core.Period(period)
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// FXRates loads the full rate table keyed by (period, currency).
func FXRates(ctx context.Context, db DBTX) (map[core.Period]map[string]decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT period, currency, rate_to_krw FROM core_fact_exchange_rate")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make(map[core.Period]map[string]decimal.Decimal)
	for rows.Next() {
		var period, currency, rate string
		if err := rows.Scan(&period, &currency, &rate); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("fx %s/%s: bad rate %q: %w", period, currency, rate, err)
		}
		p := core.Period(period)
		if rates[p] == nil {
			rates[p] = make(map[string]decimal.Decimal)
		}
		rates[p][currency] = d
	}
	return rates, rows.Err()
}

// Shipments loads every shipment row (allocation target source).
func Shipments(ctx context.Context, db DBTX) ([]Shipment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT shipment_id, ship_date, warehouse_id, item_id, qty_shipped, lot_id,
		       weight, volume_cbm, COALESCE(channel_order_id, ''), COALESCE(channel_store_id, '')
		FROM core_fact_shipment
		ORDER BY shipment_id, item_id, lot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shipment
	for rows.Next() {
		var s Shipment
		var shipDate string
		if err := rows.Scan(&s.ShipmentID, &shipDate, &s.WarehouseID, &s.ItemID, &s.QtyShipped,
			&s.LotID, &s.Weight, &s.VolumeCBM, &s.ChannelOrderID, &s.ChannelStoreID); err != nil {
			return nil, err
		}
		s.ShipDate, err = time.Parse(dateLayout, shipDate)
		if err != nil {
			return nil, fmt.Errorf("shipment %s: bad ship_date %q: %w", s.ShipmentID, shipDate, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Settlements loads every settlement line (revenue source).
func Settlements(ctx context.Context, db DBTX) ([]Settlement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT settlement_id, line_no, period, channel_store_id, currency, COALESCE(item_id, ''),
		       gross_sales, discounts, fees, refunds, net_payout
		FROM core_fact_settlement
		ORDER BY period, settlement_id, line_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		var s Settlement
		var period string
		var gross, disc, fees, refunds, net sql.NullString
		if err := rows.Scan(&s.SettlementID, &s.LineNo, &period, &s.ChannelStoreID, &s.Currency,
			&s.ItemID, &gross, &disc, &fees, &refunds, &net); err != nil {
			return nil, err
		}
		s.Period = core.Period(period)
		if s.GrossSales, err = ScanDecimal(gross); err != nil {
			return nil, err
		}
		if s.Discounts, err = ScanDecimal(disc); err != nil {
			return nil, err
		}
		if s.Fees, err = ScanDecimal(fees); err != nil {
			return nil, err
		}
		if s.Refunds, err = ScanDecimal(refunds); err != nil {
			return nil, err
		}
		if s.NetPayout, err = ScanDecimal(net); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Returns loads every return row (COGS quantity offset).
func Returns(ctx context.Context, db DBTX) ([]Return, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT return_id, return_date, warehouse_id, item_id, qty_returned, lot_id,
		       COALESCE(channel_order_id, ''), COALESCE(reason, '')
		FROM core_fact_return
		ORDER BY return_id, item_id, lot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Return
	for rows.Next() {
		var r Return
		var returnDate string
		if err := rows.Scan(&r.ReturnID, &returnDate, &r.WarehouseID, &r.ItemID, &r.QtyReturned,
			&r.LotID, &r.ChannelOrderID, &r.Reason); err != nil {
			return nil, err
		}
		r.ReturnDate, err = time.Parse(dateLayout, returnDate)
		if err != nil {
			return nil, fmt.Errorf("return %s: bad return_date %q: %w", r.ReturnID, returnDate, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CostRows loads the full versioned cost structure, ordered so callers
// can pre-aggregate per (item_id, effective_from) in one pass.
func CostRows(ctx context.Context, db DBTX) ([]CostRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT item_id, cost_component, effective_from, cost_per_unit_krw
		FROM core_fact_cost_structure
		ORDER BY item_id, effective_from, cost_component`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostRow
	for rows.Next() {
		var c CostRow
		var effectiveFrom, cost string
		if err := rows.Scan(&c.ItemID, &c.CostComponent, &effectiveFrom, &cost); err != nil {
			return nil, err
		}
		c.EffectiveFrom, err = time.Parse(dateLayout, effectiveFrom)
		if err != nil {
			return nil, fmt.Errorf("cost %s/%s: bad effective_from %q: %w", c.ItemID, c.CostComponent, effectiveFrom, err)
		}
		c.CostPerUnitKRW, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("cost %s/%s: bad amount %q: %w", c.ItemID, c.CostComponent, cost, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChannelCountries maps channel_store_id to country for the revenue mart.
func ChannelCountries(ctx context.Context, db DBTX) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT channel_store_id, COALESCE(country, '') FROM core_dim_channel_store")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, country string
		if err := rows.Scan(&id, &country); err != nil {
			return nil, err
		}
		out[id] = country
	}
	return out, rows.Err()
}

// KnownPeriods collects every distinct period seen across the fact tables.
// Coverage is evaluated for each of them.
func KnownPeriods(ctx context.Context, db DBTX) ([]core.Period, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT period FROM (
			SELECT period FROM core_fact_charge_actual
			UNION SELECT period FROM core_fact_settlement
			UNION SELECT period FROM core_fact_exchange_rate
			UNION SELECT strftime('%Y-%m', ship_date) AS period FROM core_fact_shipment
			UNION SELECT strftime('%Y-%m', order_date) AS period FROM core_fact_order
			UNION SELECT strftime('%Y-%m', return_date) AS period FROM core_fact_return
		) WHERE period IS NOT NULL ORDER BY period`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []core.Period
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		periods = append(periods, core.Period(p))
	}
	return periods, rows.Err()
}

// =============================================================================
// SCAN / ARG HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decArg(d core.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// ScanDecimal converts a nullable TEXT column into a NullDecimal.
func ScanDecimal(s sql.NullString) (core.NullDecimal, error) {
	if !s.Valid {
		return core.NoDecimal(), nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return core.NoDecimal(), fmt.Errorf("bad decimal %q: %w", s.String, err)
	}
	return core.DecimalPtr(d), nil
}
