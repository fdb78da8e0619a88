/*
errors.go - Centralized error types for the pipeline

PURPOSE:
  All cross-package error types in one place. Packages wrap these with
  additional context; callers dispatch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Lock contention    - a second run while the batch lock is held
  2. Closed periods     - direct writes into a frozen period
  3. Basis resolution   - no usable allocation basis for a charge
  4. Grain integrity    - a join produced duplicate output keys
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrLockHeld is returned when the batch lock is already held.
	// Recoverable only by operator decision (wait or --unlock); never
	// auto-retried.
	ErrLockHeld = errors.New("batch lock held")

	// ErrPeriodClosed is returned when a write targets a closed period.
	// The adjustment log is the only sanctioned mutation path.
	ErrPeriodClosed = errors.New("period closed")

	// ErrNoUsableBasis is returned when no configured allocation basis
	// has coverage across the charge's targets.
	ErrNoUsableBasis = errors.New("no usable allocation basis")

	// ErrGrainViolation is returned when a join step produces duplicate
	// grain keys. Fatal to the producing stage: downstream aggregates
	// would double-count.
	ErrGrainViolation = errors.New("duplicate grain")

	// ErrUninitialized is returned when the warehouse schema does not
	// exist yet. --status and --unlock degrade to informative output on
	// this instead of failing hard.
	ErrUninitialized = errors.New("warehouse not initialized")
)

// =============================================================================
// STRUCTURED ERRORS - carry additional context
// =============================================================================

// LockHeldError reports who holds the batch lock.
type LockHeldError struct {
	PID int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("pipeline is locked by pid %d; if the previous run crashed, use --unlock", e.PID)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// PeriodClosedError identifies the rejected period.
type PeriodClosedError struct {
	Period Period
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("period %s is closed; use a post-close adjustment or reopen the period", e.Period)
}

func (e *PeriodClosedError) Unwrap() error { return ErrPeriodClosed }

// NoUsableBasisError lists what was tried for which charge.
type NoUsableBasisError struct {
	ChargeType string
	Tried      []string
}

func (e *NoUsableBasisError) Error() string {
	return fmt.Sprintf("cannot resolve allocation basis for charge type %q, tried %v", e.ChargeType, e.Tried)
}

func (e *NoUsableBasisError) Unwrap() error { return ErrNoUsableBasis }

// GrainError reports duplicate-key rows out of a join step.
type GrainError struct {
	Stage      string
	Duplicates int
}

func (e *GrainError) Error() string {
	return fmt.Sprintf("%s produced %d duplicate grain rows", e.Stage, e.Duplicates)
}

func (e *GrainError) Unwrap() error { return ErrGrainViolation }
