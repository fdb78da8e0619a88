package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/pnl-engine/api"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/pipeline"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *warehouse.Warehouse) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	wh, err := warehouse.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	require.NoError(t, wh.Migrate(context.Background()))

	pipe := pipeline.New(wh, policy.Default(), log)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(wh, pipe, log)))
	t.Cleanup(srv.Close)
	return srv, wh
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// =============================================================================
// TESTS
// =============================================================================

func TestGetSummary_FiltersByPeriod(t *testing.T) {
	// GIVEN: summary rows across two periods
	srv, wh := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, warehouse.ReplaceWaterfallSummary(ctx, wh.DB(), []warehouse.SummaryRow{
		{Period: "2024-01", MetricName: "Net Revenue", MetricOrder: 1, AmountKRW: decimal.NewFromInt(50000)},
		{Period: "2024-02", MetricName: "Net Revenue", MetricOrder: 1, AmountKRW: decimal.NewFromInt(60000)},
	}))

	// WHEN/THEN: unfiltered returns both, filtered returns one
	var all []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/summary", &all))
	assert.Len(t, all, 2)

	var jan []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/summary?period=2024-01", &jan))
	require.Len(t, jan, 1)
	assert.Equal(t, "50000", jan[0]["amount_krw"])
}

func TestGetSummary_MalformedPeriodIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/summary?period=202401", nil))
}

func TestGetAllocated_NullKRWSurvivesAsJSONNull(t *testing.T) {
	// GIVEN: one converted and one unconverted allocated line
	srv, wh := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, warehouse.ReplaceAllocated(ctx, wh.DB(), []warehouse.AllocatedRow{
		{
			Period: "2024-01", ChargeType: "LAST_MILE_PARCEL", ChargeDomain: "logistics_transport",
			CostStage: "outbound", InvoiceNo: "INV-1", InvoiceLineNo: 1, ItemID: "ITEM-A",
			Basis: "qty", BasisValue: decimal.NewFromInt(3), Amount: decimal.NewFromInt(300),
			Currency: "KRW", AmountKRW: core.DecimalPtr(decimal.NewFromInt(300)),
		},
		{
			Period: "2024-01", ChargeType: "CUSTOMS_DUTY", ChargeDomain: "customs",
			CostStage: "inbound", InvoiceNo: "INV-2", InvoiceLineNo: 1, ItemID: "ITEM-A",
			Basis: "value", BasisValue: decimal.NewFromInt(1), Amount: decimal.NewFromInt(75),
			Currency: "USD", AmountKRW: core.NoDecimal(),
		},
	}))

	var rows []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/allocated", &rows))
	require.Len(t, rows, 2)

	byInvoice := map[string]map[string]any{}
	for _, r := range rows {
		byInvoice[r["invoice_no"].(string)] = r
	}
	assert.Equal(t, "300", byInvoice["INV-1"]["amount_krw"])
	assert.Nil(t, byInvoice["INV-2"]["amount_krw"])
}

func TestGetCoverage_WorstSeverityFirst(t *testing.T) {
	srv, wh := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, warehouse.ReplaceCoverage(ctx, wh.DB(), []warehouse.CoverageRow{
		{Period: "2024-01", Domain: "customs", CoverageRate: 1, Severity: core.SeverityOK},
		{Period: "2024-01", Domain: "fx_rate", CoverageRate: 0, MissingRows: 1, Severity: core.SeverityCritical},
	}))

	var dtos []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/coverage", &dtos))
	require.Len(t, dtos, 2)
	assert.Equal(t, "CRITICAL", dtos[0]["severity"])
}

func TestGetStatus_UninitializedWarehouse(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	wh, err := warehouse.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	pipe := pipeline.New(wh, policy.Default(), log)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(wh, pipe, log)))
	t.Cleanup(srv.Close)

	var st map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &st))
	assert.Equal(t, false, st["initialized"])
}

func TestGetIssues_ReturnsOpenOnly(t *testing.T) {
	srv, wh := newTestServer(t)
	ctx := context.Background()
	openID, err := warehouse.LogIssue(ctx, wh.DB(), warehouse.Issue{
		IssueType: "missing_fx_rate", Severity: core.SeverityCritical, Period: "2024-01",
	})
	require.NoError(t, err)
	resolvedID, err := warehouse.LogIssue(ctx, wh.DB(), warehouse.Issue{
		IssueType: "allocation_skipped", Severity: core.SeverityInfo,
	})
	require.NoError(t, err)
	require.NoError(t, warehouse.ResolveIssue(ctx, wh.DB(), resolvedID))

	var issues []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/issues", &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, openID, issues[0]["issue_id"])
}

func TestExportWorkbook_StreamsXLSX(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/export/xlsx")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}
