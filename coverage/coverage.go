/*
Package coverage classifies per-domain, per-period data completeness.

PURPOSE:
  Costs, FX rates, and invoices arrive on independent schedules. The
  coverage engine scans every known accounting period against every
  configured domain and answers: is there enough data here to trust the
  numbers built on it? Results land in mart_coverage_period as a full
  replace; the close gate reuses the same counting logic synchronously.

DESIGN PRINCIPLES:
  1. Table-driven membership: which charge types feed a domain comes
     entirely from policy (charge_type -> domain). Adding a charge type
     enrolls it in coverage with no code change.
  2. Closed-aware severity: a domain may be OPTIONAL while the period is
     open but REQUIRED once closed; only a REQUIRED shortfall is
     CRITICAL, anything else is INFO.
  3. Read-only: the engine never mutates facts, it only reports.

SEE ALSO:
  - policy:    domain rules and the charge-type taxonomy
  - warehouse: mart_coverage_period persistence
*/
package coverage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
)

// Table-backed domains with a fixed source; every other domain is a
// charge-type-filtered subset of the charge fact.
const (
	DomainFXRate        = "fx_rate"
	DomainSettlement    = "revenue_settlement"
	DomainCostStructure = "cost_structure"
)

// =============================================================================
// COMPUTE
// =============================================================================

// Compute evaluates every configured domain against every known period
// and fully replaces mart_coverage_period.
func Compute(ctx context.Context, db warehouse.DBTX, set *policy.Set, log *logrus.Entry) ([]warehouse.CoverageRow, error) {
	periods, err := warehouse.KnownPeriods(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("known periods: %w", err)
	}

	closedBy := make(map[core.Period]bool, len(periods))
	for _, p := range periods {
		closed, err := warehouse.PeriodLocked(ctx, db, p)
		if err != nil {
			return nil, err
		}
		closedBy[p] = closed
	}

	var rows []warehouse.CoverageRow
	for _, domain := range set.CoverageDomains() {
		counts, err := domainCounts(ctx, db, set, domain, periods)
		if err != nil {
			return nil, fmt.Errorf("count domain %s: %w", domain, err)
		}

		minRows := set.Coverage.Domains[domain].MinRows
		if minRows < 1 {
			minRows = 1
		}

		for _, period := range periods {
			closed := closedBy[period]
			cnt := counts[period]

			row := warehouse.CoverageRow{
				Period:       period,
				Domain:       domain,
				IncludedRows: cnt,
				ClosedPeriod: closed,
			}
			if cnt >= minRows {
				row.CoverageRate = 1.0
				row.Severity = core.SeverityOK
			} else {
				row.CoverageRate = 0.0
				row.MissingRows = minRows - cnt
				if set.IsDomainRequired(domain, closed) {
					row.Severity = core.SeverityCritical
				} else {
					row.Severity = core.SeverityInfo
				}
			}
			rows = append(rows, row)
		}
	}

	if err := warehouse.ReplaceCoverage(ctx, db, rows); err != nil {
		return nil, err
	}

	critical := 0
	for _, r := range rows {
		if r.Severity == core.SeverityCritical {
			critical++
		}
	}
	log.WithFields(logrus.Fields{
		"periods":  len(periods),
		"domains":  len(set.CoverageDomains()),
		"critical": critical,
	}).Info("coverage computed")
	return rows, nil
}

// EnforceClosedPeriodCoverage is the synchronous close gate: every domain
// REQUIRED at close must meet its row minimum for the period. Violations
// come back as human-readable messages; nothing is mutated.
func EnforceClosedPeriodCoverage(ctx context.Context, db warehouse.DBTX, set *policy.Set, period core.Period) ([]string, error) {
	var violations []string
	for _, domain := range set.CoverageDomains() {
		req, ok := set.Coverage.CloseEnforcement[domain]
		if !ok || req != policy.Required {
			continue
		}

		counts, err := domainCounts(ctx, db, set, domain, []core.Period{period})
		if err != nil {
			return nil, fmt.Errorf("count domain %s: %w", domain, err)
		}

		minRows := set.Coverage.Domains[domain].MinRows
		if minRows < 1 {
			minRows = 1
		}
		if cnt := counts[period]; cnt < minRows {
			violations = append(violations,
				fmt.Sprintf("REQUIRED domain %q has insufficient data for period %s (found %d rows, need >= %d)",
					domain, period, cnt, minRows))
		}
	}
	return violations, nil
}

// =============================================================================
// DOMAIN COUNTING
// =============================================================================

// domainCounts returns per-period row counts for one domain. FX and
// settlements count their own period-partitioned tables; cost structure
// counts versions effective on or before each period's end (an as-of
// availability check, since cost masters are versioned rather than
// period-scoped); every other domain counts charge rows whose type maps
// to the domain in policy.
func domainCounts(ctx context.Context, db warehouse.DBTX, set *policy.Set, domain string, periods []core.Period) (map[core.Period]int64, error) {
	switch domain {
	case DomainFXRate:
		return groupedCounts(ctx, db,
			"SELECT period, COUNT(*) FROM core_fact_exchange_rate GROUP BY period")
	case DomainSettlement:
		return groupedCounts(ctx, db,
			"SELECT period, COUNT(*) FROM core_fact_settlement GROUP BY period")
	case DomainCostStructure:
		return costStructureCounts(ctx, db, periods)
	default:
		return chargeDomainCounts(ctx, db, set, domain)
	}
}

func groupedCounts(ctx context.Context, db warehouse.DBTX, query string, args ...any) (map[core.Period]int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[core.Period]int64)
	for rows.Next() {
		var period string
		var cnt int64
		if err := rows.Scan(&period, &cnt); err != nil {
			return nil, err
		}
		counts[core.Period(period)] = cnt
	}
	return counts, rows.Err()
}

func costStructureCounts(ctx context.Context, db warehouse.DBTX, periods []core.Period) (map[core.Period]int64, error) {
	counts := make(map[core.Period]int64, len(periods))
	for _, p := range periods {
		end, err := p.End()
		if err != nil {
			return nil, err
		}
		var cnt int64
		err = db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM core_fact_cost_structure WHERE effective_from <= ?",
			end.Format("2006-01-02")).Scan(&cnt)
		if err != nil {
			return nil, err
		}
		counts[p] = cnt
	}
	return counts, nil
}

func chargeDomainCounts(ctx context.Context, db warehouse.DBTX, set *policy.Set, domain string) (map[core.Period]int64, error) {
	types := set.ChargeTypesForDomain(domain)
	if len(types) == 0 {
		return map[core.Period]int64{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	query := fmt.Sprintf(
		"SELECT period, COUNT(*) FROM core_fact_charge_actual WHERE charge_type IN (%s) GROUP BY period",
		placeholders)
	return groupedCounts(ctx, db, query, args...)
}
