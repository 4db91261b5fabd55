package engine

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	// DefaultFailureThreshold is the number of consecutive failed sampling
	// passes after which a source is halted. Chosen as a little over 5% of
	// the polling cycles of a 24-hour window sampled at 5-minute intervals.
	DefaultFailureThreshold = 15
	// DefaultSuccessResetStreak is the number of consecutive successful
	// passes that resets the failure count back to zero.
	DefaultSuccessResetStreak = 5
	// DefaultRetainedErrors is how many recent errors are kept for the
	// diagnostics attached to an ErrExhausted.
	DefaultRetainedErrors = 5
)

// BudgetState describes the health of a FailureBudget.
type BudgetState int

const (
	BudgetHealthy BudgetState = iota
	BudgetDegraded
	BudgetHalted
)

func (s BudgetState) String() string {
	switch s {
	case BudgetHealthy:
		return "healthy"
	case BudgetDegraded:
		return "degraded"
	case BudgetHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// FailureBudget tracks failed sampling passes for one source over one run.
// Each failure moves the budget towards Halted; a streak of successes moves
// it back to Healthy. Once the failure count reaches the threshold the
// budget is exhausted and the source's run must abort.
//
// A FailureBudget is owned by a single sampling loop and is not safe for
// concurrent use. State is discarded at run end; nothing persists between
// runs.
type FailureBudget struct {
	threshold      int
	successReset   int
	retainedErrors int

	failures      int
	successStreak int
	recent        []error
}

// NewFailureBudget returns a budget that halts after threshold consecutive
// failures. A threshold of zero or less selects DefaultFailureThreshold.
func NewFailureBudget(threshold int) *FailureBudget {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &FailureBudget{
		threshold:      threshold,
		successReset:   DefaultSuccessResetStreak,
		retainedErrors: DefaultRetainedErrors,
	}
}

// RecordFailure counts one failed sampling pass and retains err for the
// diagnostics carried by Err.
func (b *FailureBudget) RecordFailure(err error) {
	b.successStreak = 0
	b.failures++
	b.recent = append(b.recent, err)
	if len(b.recent) > b.retainedErrors {
		b.recent = b.recent[len(b.recent)-b.retainedErrors:]
	}
}

// RecordSuccess counts one successful pass. The failure count is only reset
// once successReset successes occur in a row; a lone success between
// failures does not forgive them.
func (b *FailureBudget) RecordSuccess() {
	if b.failures == 0 {
		return
	}
	b.successStreak++
	if b.successStreak >= b.successReset {
		b.failures = 0
		b.successStreak = 0
		b.recent = nil
	}
}

// State returns the current budget state.
func (b *FailureBudget) State() BudgetState {
	switch {
	case b.failures >= b.threshold:
		return BudgetHalted
	case b.failures > 0:
		return BudgetDegraded
	default:
		return BudgetHealthy
	}
}

// Exhausted reports whether the budget has halted.
func (b *FailureBudget) Exhausted() bool {
	return b.State() == BudgetHalted
}

// Failures returns the current consecutive-failure count.
func (b *FailureBudget) Failures() int {
	return b.failures
}

// Err returns an *ErrExhausted carrying the retained errors, or nil if the
// budget has not halted.
func (b *FailureBudget) Err(source string) error {
	if !b.Exhausted() {
		return nil
	}
	var lastErrors *multierror.Error
	for _, err := range b.recent {
		lastErrors = multierror.Append(lastErrors, err)
	}
	return errors.WithStack(&ErrExhausted{
		Source:     source,
		Failures:   b.failures,
		LastErrors: lastErrors,
	})
}
