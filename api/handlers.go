/*
handlers.go - HTTP handlers for the reporting API

PURPOSE:
  Exposes the mart layer read-only over HTTP. Handlers parse query
  filters, call the warehouse readers, convert rows to DTOs, and
  serialize. No handler mutates warehouse state; batch runs, rollback,
  and period close stay on the CLI where the batch lock is managed.

ERROR HANDLING:
  Errors come back as JSON with an appropriate status:
  - 400: bad filter values (malformed period)
  - 500: warehouse read failures

SEE ALSO:
  - dto.go:    Response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/pipeline"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	wh   *warehouse.Warehouse
	pipe *pipeline.Pipeline
	log  *logrus.Entry
}

// NewHandler creates a new handler over the warehouse and pipeline.
func NewHandler(wh *warehouse.Warehouse, pipe *pipeline.Pipeline, log *logrus.Logger) *Handler {
	return &Handler{wh: wh, pipe: pipe, log: log.WithField("component", "api")}
}

// =============================================================================
// STATUS
// =============================================================================

// GetStatus returns the operational snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipe.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to gather status", err)
		return
	}

	dto := StatusDTO{
		Initialized:   st.Initialized,
		LockHeld:      st.Lock.Locked,
		LockPID:       st.Lock.PID,
		RowCounts:     st.RowCounts,
		ClosedPeriods: []string{},
		Coverage:      []CoverageDTO{},
		OpenIssues:    []IssueDTO{},
	}
	if st.LastBatch != nil {
		dto.LastBatch = &BatchDTO{
			BatchID:    st.LastBatch.BatchID,
			StartedAt:  st.LastBatch.StartedAt,
			FinishedAt: st.LastBatch.FinishedAt,
			Status:     st.LastBatch.Status,
			ErrorMsg:   st.LastBatch.ErrorMsg,
		}
	}
	for _, p := range st.ClosedPeriods {
		dto.ClosedPeriods = append(dto.ClosedPeriods, string(p))
	}
	for _, c := range st.Coverage {
		dto.Coverage = append(dto.Coverage, toCoverageDTO(c))
	}
	for _, iss := range st.OpenIssues {
		dto.OpenIssues = append(dto.OpenIssues, toIssueDTO(iss))
	}

	h.writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// MART READERS
// =============================================================================

// GetSummary returns the waterfall rollup, optionally for one period
// (?period=YYYY-MM).
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.periodFilter(w, r)
	if !ok {
		return
	}

	rows, err := warehouse.WaterfallSummary(r.Context(), h.wh.DB())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load summary", err)
		return
	}

	dtos := []SummaryDTO{}
	for _, row := range rows {
		if filter != "" && row.Period != filter {
			continue
		}
		dtos = append(dtos, SummaryDTO{
			Period:      string(row.Period),
			Metric:      row.MetricName,
			MetricOrder: row.MetricOrder,
			AmountKRW:   row.AmountKRW.String(),
		})
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// GetCoverage returns all coverage records, worst severity first.
func (h *Handler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	records, err := warehouse.CoverageRecords(r.Context(), h.wh.DB())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load coverage", err)
		return
	}

	dtos := make([]CoverageDTO, len(records))
	for i, rec := range records {
		dtos[i] = toCoverageDTO(rec)
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// GetAllocated returns allocated charge lines, optionally for one period.
func (h *Handler) GetAllocated(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.periodFilter(w, r)
	if !ok {
		return
	}

	rows, err := warehouse.AllocatedRows(r.Context(), h.wh.DB())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load allocated charges", err)
		return
	}

	dtos := []AllocatedDTO{}
	for _, row := range rows {
		if filter != "" && row.Period != filter {
			continue
		}
		dtos = append(dtos, toAllocatedDTO(row))
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// GetTieOut returns the invoice-vs-allocated reconciliation.
func (h *Handler) GetTieOut(w http.ResponseWriter, r *http.Request) {
	rows, err := warehouse.TieOutRows(r.Context(), h.wh.DB())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load tie-out", err)
		return
	}

	dtos := make([]TieOutDTO, len(rows))
	for i, row := range rows {
		dtos[i] = TieOutDTO{
			Period:         string(row.Period),
			ChargeType:     row.ChargeType,
			InvoiceTotal:   row.InvoiceTotal.String(),
			AllocatedTotal: row.AllocatedTotal.String(),
			Delta:          row.Delta.String(),
			Tied:           row.Tied,
		}
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// GetIssues returns open issues, worst severity first.
func (h *Handler) GetIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := warehouse.OpenIssues(r.Context(), h.wh.DB())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load issues", err)
		return
	}

	dtos := []IssueDTO{}
	for _, iss := range issues {
		dtos = append(dtos, toIssueDTO(iss))
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportWorkbook streams the xlsx workbook built from current mart state.
func (h *Handler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	f, err := h.pipe.BuildWorkbook(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to build workbook", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="pnl.xlsx"`)
	if err := f.Write(w); err != nil {
		// Headers are already gone; all we can do is log.
		h.log.WithError(err).Error("failed to stream workbook")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// periodFilter parses the optional ?period= query. A malformed period is
// a 400; the second return is false when the response is already written.
func (h *Handler) periodFilter(w http.ResponseWriter, r *http.Request) (core.Period, bool) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return "", true
	}
	p := core.Period(raw)
	if !p.Valid() {
		h.writeError(w, http.StatusBadRequest, "Invalid period, want YYYY-MM", nil)
		return "", false
	}
	return p, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
		h.log.WithError(err).Warn(msg)
	}
	h.writeJSON(w, status, resp)
}
