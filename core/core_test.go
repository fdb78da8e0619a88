package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/pnl-engine/core"
)

func TestPeriod_Validity(t *testing.T) {
	assert.True(t, core.Period("2024-01").Valid())
	assert.False(t, core.Period("2024-13").Valid())
	assert.False(t, core.Period("202401").Valid())
	assert.False(t, core.Period("").Valid())
}

func TestPeriod_BoundsAndMembership(t *testing.T) {
	p := core.PeriodOf(time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, core.Period("2024-02"), p)

	start, err := p.Start()
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01", start.Format("2006-01-02"))

	// Leap year February.
	end, err := p.End()
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", end.Format("2006-01-02"))
}

func TestCombine_MonotoneLattice(t *testing.T) {
	assert.Equal(t, core.Actual, core.Combine())
	assert.Equal(t, core.Actual, core.Combine(core.Actual, core.Actual))
	assert.Equal(t, core.Partial, core.Combine(core.Actual, core.Partial))
	assert.Equal(t, core.Partial, core.Combine(core.Partial, core.Actual, core.Actual))
}

func TestErrorTaxonomy_SentinelsAndUnwrap(t *testing.T) {
	lockErr := &core.LockHeldError{PID: 99}
	assert.True(t, errors.Is(lockErr, core.ErrLockHeld))
	assert.Contains(t, lockErr.Error(), "99")

	closedErr := &core.PeriodClosedError{Period: "2024-01"}
	assert.True(t, errors.Is(closedErr, core.ErrPeriodClosed))

	grainErr := &core.GrainError{Stage: "cogs", Duplicates: 2}
	assert.True(t, errors.Is(grainErr, core.ErrGrainViolation))

	basisErr := &core.NoUsableBasisError{ChargeType: "FREIGHT_INTL_SEA", Tried: []string{"volume_cbm", "weight"}}
	assert.True(t, errors.Is(basisErr, core.ErrNoUsableBasis))
	assert.Contains(t, basisErr.Error(), "FREIGHT_INTL_SEA")
}
