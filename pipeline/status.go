/*
status.go - Operator status snapshot

Everything --status prints: last batch, lock state, row counts, closed
periods, open issues, and non-OK coverage. Status never fails hard on an
uninitialized store; it reports that state instead so the command can
degrade to informative output.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/trellis/pnl-engine/batch"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/warehouse"
)

// Status is one point-in-time operational snapshot.
type Status struct {
	Initialized   bool
	LastBatch     *batch.Info
	Lock          batch.LockState
	RowCounts     map[string]int64
	ClosedPeriods []core.Period
	OpenIssues    []warehouse.Issue
	Coverage      []warehouse.CoverageRow // non-OK records only
	DQFailures    []warehouse.DQFailure   // failed checks from the latest batch that had any
}

// Status gathers the snapshot. An uninitialized warehouse yields
// Initialized=false and no error.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	counts, err := p.wh.RowCounts(ctx)
	if errors.Is(err, core.ErrUninitialized) {
		return &Status{Initialized: false}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &Status{Initialized: true, RowCounts: counts}

	if st.LastBatch, err = batch.LastBatch(ctx, p.wh.DB()); err != nil {
		return nil, err
	}
	if st.Lock, err = batch.Lock(ctx, p.wh.DB()); err != nil {
		return nil, err
	}
	if st.ClosedPeriods, err = batch.ClosedPeriods(ctx, p.wh.DB()); err != nil {
		return nil, err
	}
	if st.OpenIssues, err = warehouse.OpenIssues(ctx, p.wh.DB()); err != nil {
		return nil, err
	}
	if st.DQFailures, err = warehouse.FailedDQChecks(ctx, p.wh.DB()); err != nil {
		return nil, err
	}

	records, err := warehouse.CoverageRecords(ctx, p.wh.DB())
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Severity != core.SeverityOK {
			st.Coverage = append(st.Coverage, r)
		}
	}
	return st, nil
}

// Render writes the snapshot as operator-readable text.
func (s *Status) Render(w io.Writer) {
	fmt.Fprintln(w, "=== Pipeline Status ===")

	if !s.Initialized {
		fmt.Fprintln(w, "Warehouse not initialized. Run with --init first.")
		return
	}

	if s.LastBatch == nil {
		fmt.Fprintln(w, "\nLast batch: none")
	} else {
		b := s.LastBatch
		fmt.Fprintf(w, "\nLast batch: #%d  status=%s  started=%s", b.BatchID, b.Status, b.StartedAt)
		if b.FinishedAt != "" {
			fmt.Fprintf(w, "  finished=%s", b.FinishedAt)
		}
		fmt.Fprintln(w)
		if b.ErrorMsg != "" {
			fmt.Fprintf(w, "  error: %s\n", b.ErrorMsg)
		}
	}

	if s.Lock.Locked {
		fmt.Fprintf(w, "Lock: LOCKED (pid %d, since %s)\n", s.Lock.PID, s.Lock.StartedAt)
	} else {
		fmt.Fprintln(w, "Lock: unlocked")
	}

	if len(s.ClosedPeriods) > 0 {
		parts := make([]string, len(s.ClosedPeriods))
		for i, p := range s.ClosedPeriods {
			parts[i] = string(p)
		}
		fmt.Fprintf(w, "Closed periods: %s\n", strings.Join(parts, ", "))
	} else {
		fmt.Fprintln(w, "Closed periods: none")
	}

	fmt.Fprintln(w, "\nRow counts:")
	names := make([]string, 0, len(s.RowCounts))
	for name := range s.RowCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-42s %d\n", name, s.RowCounts[name])
	}

	if len(s.Coverage) > 0 {
		fmt.Fprintln(w, "\nCoverage (non-OK):")
		for _, r := range s.Coverage {
			fmt.Fprintf(w, "  [%s] %s %s (%d rows, %d missing)\n",
				r.Severity, r.Period, r.Domain, r.IncludedRows, r.MissingRows)
		}
	}

	if len(s.DQFailures) > 0 {
		fmt.Fprintln(w, "\nDQ failures (latest batch):")
		for _, f := range s.DQFailures {
			fmt.Fprintf(w, "  [%s] %s", f.Severity, f.CheckName)
			if f.TableName != "" {
				fmt.Fprintf(w, " on %s", f.TableName)
			}
			if f.Detail != "" {
				fmt.Fprintf(w, ": %s", f.Detail)
			}
			fmt.Fprintln(w)
		}
	}

	if len(s.OpenIssues) > 0 {
		fmt.Fprintln(w, "\nOpen issues:")
		for _, iss := range s.OpenIssues {
			fmt.Fprintf(w, "  [%s] %s", iss.Severity, iss.IssueType)
			if iss.Period != "" {
				fmt.Fprintf(w, " %s", iss.Period)
			}
			if iss.Detail != "" {
				fmt.Fprintf(w, ": %s", iss.Detail)
			}
			fmt.Fprintln(w)
		}
	}
}
