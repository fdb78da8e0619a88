/*
Package core provides the shared value types for the P&L warehouse.

PURPOSE:
  Domain-agnostic building blocks used by every pipeline stage:
  - Period: a "YYYY-MM" accounting period with point-in-time helpers
  - CoverageFlag: the ACTUAL/PARTIAL trust marker and its monotone lattice
  - Severity: coverage classification levels
  - Error types for lock contention, closed periods, basis resolution,
    and grain integrity (see errors.go)

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal everywhere, never float64.
  2. Explicit uncertainty: a number computed from incomplete inputs is
     marked PARTIAL, never silently presented as exact.
  3. Monotonicity: once any input to a derived metric is PARTIAL, every
     downstream metric is PARTIAL. Combine enforces this.

SEE ALSO:
  - errors.go: error taxonomy
  - warehouse:  persistence of these values
*/
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - "YYYY-MM" accounting period
// =============================================================================

// Period is a monthly accounting period in "YYYY-MM" form. The zero value
// is invalid; construct via PeriodOf or validate with Valid.
type Period string

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.Format("2006-01"))
}

// Valid reports whether p parses as "YYYY-MM".
func (p Period) Valid() bool {
	_, err := time.Parse("2006-01", string(p))
	return err == nil
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() (time.Time, error) {
	t, err := time.Parse("2006-01", string(p))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period %q: %w", p, err)
	}
	return t, nil
}

// End returns midnight UTC on the last day of the period. As-of joins
// select the latest versioned record with effective_from <= End.
func (p Period) End() (time.Time, error) {
	start, err := p.Start()
	if err != nil {
		return time.Time{}, err
	}
	return start.AddDate(0, 1, -1), nil
}

func (p Period) String() string { return string(p) }

// =============================================================================
// COVERAGE FLAG - the trust marker
// =============================================================================

// CoverageFlag marks whether a derived number is fully backed by matched,
// current source data (ACTUAL) or estimated due to missing cost/FX/
// allocation input (PARTIAL).
type CoverageFlag string

const (
	Actual  CoverageFlag = "ACTUAL"
	Partial CoverageFlag = "PARTIAL"
)

// Combine implements the monotone propagation lattice: the result is
// ACTUAL iff every input is ACTUAL. An empty input list is ACTUAL (no
// upstream to distrust).
func Combine(flags ...CoverageFlag) CoverageFlag {
	for _, f := range flags {
		if f != Actual {
			return Partial
		}
	}
	return Actual
}

// =============================================================================
// SEVERITY - coverage classification
// =============================================================================

type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityInfo     Severity = "INFO"
	SeverityCritical Severity = "CRITICAL"
)

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// NullDecimal wraps a nullable decimal amount. Missing FX or cost yields
// an invalid NullDecimal, never zero.
type NullDecimal = decimal.NullDecimal

// DecimalPtr returns a valid NullDecimal holding d.
func DecimalPtr(d decimal.Decimal) NullDecimal {
	return NullDecimal{Decimal: d, Valid: true}
}

// NoDecimal returns the null amount.
func NoDecimal() NullDecimal {
	return NullDecimal{}
}
