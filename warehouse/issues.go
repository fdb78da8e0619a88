/*
issues.go - Operational bookkeeping writers

ops_issue_log records conditions an operator should look at (missing FX,
grain violations, failed tie-outs). raw_system_file_log and
raw_system_dq_report record per-file ingest outcomes. None of these are
inputs to any mart; they exist for humans.
*/
package warehouse

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/trellis/pnl-engine/core"
)

// Issue is one row in ops_issue_log.
type Issue struct {
	IssueID    string
	IssueType  string
	Severity   core.Severity
	Domain     string
	EntityType string
	EntityID   string
	Period     core.Period
	Detail     string
	ResolvedAt string
}

// LogIssue appends an issue with a fresh id and returns the id.
func LogIssue(ctx context.Context, db DBTX, iss Issue) (string, error) {
	if iss.IssueID == "" {
		iss.IssueID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ops_issue_log
		(issue_id, issue_type, severity, domain, entity_type, entity_id, period, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		iss.IssueID, iss.IssueType, string(iss.Severity), nullString(iss.Domain),
		nullString(iss.EntityType), nullString(iss.EntityID), nullString(string(iss.Period)),
		nullString(iss.Detail))
	if err != nil {
		return "", fmt.Errorf("log issue %s: %w", iss.IssueType, err)
	}
	return iss.IssueID, nil
}

// ResolveIssue stamps resolved_at on an open issue.
func ResolveIssue(ctx context.Context, db DBTX, issueID string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE ops_issue_log SET resolved_at = datetime('now') WHERE issue_id = ? AND resolved_at IS NULL",
		issueID)
	if err != nil {
		return fmt.Errorf("resolve issue %s: %w", issueID, err)
	}
	return nil
}

// OpenIssues returns unresolved issues, worst first.
func OpenIssues(ctx context.Context, db DBTX) ([]Issue, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT issue_id, issue_type, severity,
		       COALESCE(domain, ''), COALESCE(entity_type, ''), COALESCE(entity_id, ''),
		       COALESCE(period, ''), COALESCE(detail, '')
		FROM ops_issue_log
		WHERE resolved_at IS NULL
		ORDER BY CASE severity WHEN 'CRITICAL' THEN 0 WHEN 'INFO' THEN 1 ELSE 2 END, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var iss Issue
		var period string
		if err := rows.Scan(&iss.IssueID, &iss.IssueType, (*string)(&iss.Severity),
			&iss.Domain, &iss.EntityType, &iss.EntityID, &period, &iss.Detail); err != nil {
			return nil, err
		}
		iss.Period = core.Period(period)
		out = append(out, iss)
	}
	return out, rows.Err()
}

// =============================================================================
// FILE + DQ LOGS
// =============================================================================

// LogFile records one ingested file's outcome against a batch.
func LogFile(ctx context.Context, db DBTX, batchID int64, fileName, fileHash, tableName string, rowCount int64, status, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO raw_system_file_log
		(batch_id, file_name, file_hash, table_name, row_count, status, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batchID, fileName, fileHash, nullString(tableName), rowCount, status, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("log file %s: %w", fileName, err)
	}
	return nil
}

// DQFailure is one failed data-quality check from raw_system_dq_report.
type DQFailure struct {
	BatchID   int64
	FileName  string
	TableName string
	CheckName string
	Severity  core.Severity
	Detail    string
}

// FailedDQChecks returns failed checks from the most recent batch that
// logged any, worst severity first. Older batches' failures are history,
// not an operator's current todo list.
func FailedDQChecks(ctx context.Context, db DBTX) ([]DQFailure, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT batch_id, COALESCE(file_name, ''), COALESCE(table_name, ''), check_name, severity,
		       COALESCE(detail, '')
		FROM raw_system_dq_report
		WHERE passed = 0
		  AND batch_id = (SELECT MAX(batch_id) FROM raw_system_dq_report WHERE passed = 0)
		ORDER BY CASE severity WHEN 'CRITICAL' THEN 0 WHEN 'INFO' THEN 1 ELSE 2 END, check_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DQFailure
	for rows.Next() {
		var f DQFailure
		if err := rows.Scan(&f.BatchID, &f.FileName, &f.TableName, &f.CheckName,
			(*string)(&f.Severity), &f.Detail); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LogDQCheck records one data-quality check result.
func LogDQCheck(ctx context.Context, db DBTX, batchID int64, fileName, tableName, checkName string, severity core.Severity, passed bool, detail string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO raw_system_dq_report
		(batch_id, file_name, table_name, check_name, severity, passed, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batchID, nullString(fileName), nullString(tableName), checkName,
		string(severity), boolInt(passed), nullString(detail))
	if err != nil {
		return fmt.Errorf("log dq check %s: %w", checkName, err)
	}
	return nil
}
