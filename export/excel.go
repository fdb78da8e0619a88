/*
Package export renders the reporting marts into a single xlsx workbook
for the finance team.

SHEETS:
  Waterfall  - per-period metric rollup in presentation order
  Coverage   - per-period, per-domain completeness with severity
  Tie-Out    - invoice total vs allocated total per (period, charge type)

Amounts are written as strings in KRW decimal form, not floats, so the
workbook shows exactly what the warehouse stores. Null KRW amounts
(missing FX or cost) surface as empty cells rather than zeros.
*/
package export

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/trellis/pnl-engine/warehouse"
)

const (
	sheetWaterfall = "Waterfall"
	sheetCoverage  = "Coverage"
	sheetTieOut    = "Tie-Out"
)

// BuildWorkbook assembles the workbook from current mart state. The
// caller owns the file and must Close it.
func BuildWorkbook(ctx context.Context, db warehouse.DBTX) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := writeWaterfallSheet(ctx, db, f); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeCoverageSheet(ctx, db, f); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeTieOutSheet(ctx, db, f); err != nil {
		f.Close()
		return nil, err
	}

	// The default sheet becomes the waterfall; excelize names it Sheet1.
	if err := f.SetSheetName("Sheet1", sheetWaterfall); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// WriteWorkbook builds the workbook and saves it at path. The file is
// fully rewritten each time.
func WriteWorkbook(ctx context.Context, db warehouse.DBTX, path string) error {
	f, err := BuildWorkbook(ctx, db)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeWaterfallSheet(ctx context.Context, db warehouse.DBTX, f *excelize.File) error {
	rows, err := warehouse.WaterfallSummary(ctx, db)
	if err != nil {
		return fmt.Errorf("load waterfall summary: %w", err)
	}

	if err := setRow(f, "Sheet1", 1, "Period", "Metric", "Amount (KRW)"); err != nil {
		return err
	}
	for i, r := range rows {
		err := setRow(f, "Sheet1", i+2, string(r.Period), r.MetricName, r.AmountKRW.String())
		if err != nil {
			return err
		}
	}
	return f.SetColWidth("Sheet1", "A", "C", 18)
}

func writeCoverageSheet(ctx context.Context, db warehouse.DBTX, f *excelize.File) error {
	if _, err := f.NewSheet(sheetCoverage); err != nil {
		return err
	}
	records, err := warehouse.CoverageRecords(ctx, db)
	if err != nil {
		return fmt.Errorf("load coverage: %w", err)
	}

	err = setRow(f, sheetCoverage, 1,
		"Period", "Domain", "Severity", "Coverage Rate", "Rows", "Missing", "Closed")
	if err != nil {
		return err
	}
	for i, r := range records {
		closed := ""
		if r.ClosedPeriod {
			closed = "yes"
		}
		err := setRow(f, sheetCoverage, i+2,
			string(r.Period), r.Domain, string(r.Severity),
			r.CoverageRate, r.IncludedRows, r.MissingRows, closed)
		if err != nil {
			return err
		}
	}
	return f.SetColWidth(sheetCoverage, "A", "G", 16)
}

func writeTieOutSheet(ctx context.Context, db warehouse.DBTX, f *excelize.File) error {
	if _, err := f.NewSheet(sheetTieOut); err != nil {
		return err
	}
	rows, err := warehouse.TieOutRows(ctx, db)
	if err != nil {
		return fmt.Errorf("load tie-out: %w", err)
	}

	err = setRow(f, sheetTieOut, 1,
		"Period", "Charge Type", "Invoice Total", "Allocated Total", "Delta", "Tied")
	if err != nil {
		return err
	}
	for i, r := range rows {
		tied := "NO"
		if r.Tied {
			tied = "yes"
		}
		err := setRow(f, sheetTieOut, i+2,
			string(r.Period), r.ChargeType,
			r.InvoiceTotal.String(), r.AllocatedTotal.String(), r.Delta.String(), tied)
		if err != nil {
			return err
		}
	}
	return f.SetColWidth(sheetTieOut, "A", "F", 18)
}

func setRow(f *excelize.File, sheet string, row int, values ...any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}
