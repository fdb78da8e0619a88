/*
dto.go - Response shapes for the reporting API

PURPOSE:
  Decouples the warehouse row types from the JSON contract. Money fields
  cross the wire as decimal strings, never floats; a nullable KRW amount
  (missing FX or cost) is a JSON null, not a zero.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// SummaryDTO is one waterfall metric for one period.
type SummaryDTO struct {
	Period      string `json:"period"`
	Metric      string `json:"metric"`
	MetricOrder int    `json:"metric_order"`
	AmountKRW   string `json:"amount_krw"`
}

// CoverageDTO is one per-period, per-domain completeness record.
type CoverageDTO struct {
	Period       string  `json:"period"`
	Domain       string  `json:"domain"`
	CoverageRate float64 `json:"coverage_rate"`
	IncludedRows int64   `json:"included_rows"`
	MissingRows  int64   `json:"missing_rows"`
	Severity     string  `json:"severity"`
	ClosedPeriod bool    `json:"closed_period"`
}

// AllocatedDTO is one allocated charge line.
type AllocatedDTO struct {
	Period         string  `json:"period"`
	ChargeType     string  `json:"charge_type"`
	ChargeDomain   string  `json:"charge_domain"`
	CostStage      string  `json:"cost_stage"`
	InvoiceNo      string  `json:"invoice_no"`
	InvoiceLineNo  int64   `json:"invoice_line_no"`
	ItemID         string  `json:"item_id"`
	WarehouseID    string  `json:"warehouse_id"`
	ChannelStoreID string  `json:"channel_store_id"`
	Basis          string  `json:"basis"`
	Amount         string  `json:"amount"`
	Currency       string  `json:"currency"`
	AmountKRW      *string `json:"amount_krw"` // null when FX was missing
	Capitalizable  bool    `json:"capitalizable"`
}

// TieOutDTO is one invoice-vs-allocated reconciliation line.
type TieOutDTO struct {
	Period         string `json:"period"`
	ChargeType     string `json:"charge_type"`
	InvoiceTotal   string `json:"invoice_total"`
	AllocatedTotal string `json:"allocated_total"`
	Delta          string `json:"delta"`
	Tied           bool   `json:"tied"`
}

// IssueDTO is one open operational issue.
type IssueDTO struct {
	IssueID   string `json:"issue_id"`
	IssueType string `json:"issue_type"`
	Severity  string `json:"severity"`
	Domain    string `json:"domain,omitempty"`
	Period    string `json:"period,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// StatusDTO is the operational snapshot.
type StatusDTO struct {
	Initialized   bool             `json:"initialized"`
	LastBatch     *BatchDTO        `json:"last_batch,omitempty"`
	LockHeld      bool             `json:"lock_held"`
	LockPID       int              `json:"lock_pid,omitempty"`
	ClosedPeriods []string         `json:"closed_periods"`
	RowCounts     map[string]int64 `json:"row_counts,omitempty"`
	Coverage      []CoverageDTO    `json:"coverage_alerts"`
	OpenIssues    []IssueDTO       `json:"open_issues"`
}

// BatchDTO is one batch log row.
type BatchDTO struct {
	BatchID    int64  `json:"batch_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	ErrorMsg   string `json:"error_msg,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAllocatedDTO(r warehouse.AllocatedRow) AllocatedDTO {
	dto := AllocatedDTO{
		Period:         string(r.Period),
		ChargeType:     r.ChargeType,
		ChargeDomain:   r.ChargeDomain,
		CostStage:      r.CostStage,
		InvoiceNo:      r.InvoiceNo,
		InvoiceLineNo:  r.InvoiceLineNo,
		ItemID:         r.ItemID,
		WarehouseID:    r.WarehouseID,
		ChannelStoreID: r.ChannelStoreID,
		Basis:          r.Basis,
		Amount:         r.Amount.String(),
		Currency:       r.Currency,
		Capitalizable:  r.Capitalizable,
	}
	if r.AmountKRW.Valid {
		s := r.AmountKRW.Decimal.String()
		dto.AmountKRW = &s
	}
	return dto
}

func toCoverageDTO(r warehouse.CoverageRow) CoverageDTO {
	return CoverageDTO{
		Period:       string(r.Period),
		Domain:       r.Domain,
		CoverageRate: r.CoverageRate,
		IncludedRows: r.IncludedRows,
		MissingRows:  r.MissingRows,
		Severity:     string(r.Severity),
		ClosedPeriod: r.ClosedPeriod,
	}
}

func toIssueDTO(iss warehouse.Issue) IssueDTO {
	return IssueDTO{
		IssueID:   iss.IssueID,
		IssueType: iss.IssueType,
		Severity:  string(iss.Severity),
		Domain:    iss.Domain,
		Period:    string(iss.Period),
		Detail:    iss.Detail,
	}
}
