package engine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureBudget_HaltsAtThreshold(t *testing.T) {
	budget := NewFailureBudget(3)
	assert.Equal(t, BudgetHealthy, budget.State())

	budget.RecordFailure(errors.New("boom"))
	assert.Equal(t, BudgetDegraded, budget.State())
	assert.False(t, budget.Exhausted())

	budget.RecordFailure(errors.New("boom"))
	budget.RecordFailure(errors.New("boom"))
	assert.Equal(t, BudgetHalted, budget.State())
	assert.True(t, budget.Exhausted())
	assert.Equal(t, 3, budget.Failures())
}

func TestFailureBudget_DefaultThreshold(t *testing.T) {
	budget := NewFailureBudget(0)
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		budget.RecordFailure(errors.New("boom"))
	}
	assert.Equal(t, BudgetDegraded, budget.State())

	budget.RecordFailure(errors.New("boom"))
	assert.Equal(t, BudgetHalted, budget.State())
}

func TestFailureBudget_LoneSuccessDoesNotForgive(t *testing.T) {
	budget := NewFailureBudget(10)
	budget.RecordFailure(errors.New("boom"))
	budget.RecordFailure(errors.New("boom"))
	budget.RecordFailure(errors.New("boom"))

	for i := 0; i < DefaultSuccessResetStreak-1; i++ {
		budget.RecordSuccess()
		assert.Equal(t, 3, budget.Failures())
	}

	budget.RecordSuccess()
	assert.Equal(t, 0, budget.Failures())
	assert.Equal(t, BudgetHealthy, budget.State())
}

func TestFailureBudget_FailureBreaksSuccessStreak(t *testing.T) {
	budget := NewFailureBudget(10)
	budget.RecordFailure(errors.New("boom"))
	for i := 0; i < DefaultSuccessResetStreak-1; i++ {
		budget.RecordSuccess()
	}

	// The streak is one success short of a reset; a failure must start it over.
	budget.RecordFailure(errors.New("boom"))
	assert.Equal(t, 2, budget.Failures())
	for i := 0; i < DefaultSuccessResetStreak-1; i++ {
		budget.RecordSuccess()
	}
	assert.Equal(t, 2, budget.Failures())

	budget.RecordSuccess()
	assert.Equal(t, 0, budget.Failures())
}

func TestFailureBudget_ErrNilWhileNotHalted(t *testing.T) {
	budget := NewFailureBudget(2)
	assert.NoError(t, budget.Err("test"))

	budget.RecordFailure(errors.New("boom"))
	assert.NoError(t, budget.Err("test"))
}

func TestFailureBudget_ErrRetainsRecentErrors(t *testing.T) {
	budget := NewFailureBudget(DefaultRetainedErrors + 3)
	for i := 0; i < DefaultRetainedErrors+3; i++ {
		budget.RecordFailure(errors.Errorf("failure %d", i))
	}
	require.True(t, budget.Exhausted())

	err := budget.Err("rabbitmq")
	require.Error(t, err)
	assert.True(t, IsExhausted(err))

	var exhausted *ErrExhausted
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "rabbitmq", exhausted.Source)
	assert.Equal(t, DefaultRetainedErrors+3, exhausted.Failures)

	retained := exhausted.LastErrors.WrappedErrors()
	require.Len(t, retained, DefaultRetainedErrors)
	// Only the most recent errors are kept.
	assert.Equal(t, "failure 3", retained[0].Error())
	assert.Equal(t, "failure 7", retained[len(retained)-1].Error())
}

func TestFailureBudget_ResetDiscardsRetainedErrors(t *testing.T) {
	budget := NewFailureBudget(10)
	budget.RecordFailure(errors.New("old failure"))
	for i := 0; i < DefaultSuccessResetStreak; i++ {
		budget.RecordSuccess()
	}

	// Trip the budget after the reset; only post-reset errors may surface.
	for i := 0; i < 10; i++ {
		budget.RecordFailure(errors.New("new failure"))
	}
	var exhausted *ErrExhausted
	require.True(t, errors.As(budget.Err("test"), &exhausted))
	for _, err := range exhausted.LastErrors.WrappedErrors() {
		assert.Equal(t, "new failure", err.Error())
	}
}
