// Package engine contains the throughput sampling and estimation engine:
// the two-point snapshot/delta sampler, the adaptive binary-search estimator
// for paginated audit logs, the rate-limited fan-out poller, and the failure
// budget shared by all of them.
//
// The engine is decoupled from any particular messaging infrastructure. It
// consumes the CounterSource and PagedLogSource interfaces defined here and
// produces ThroughputResult values; everything vendor-specific lives in the
// source implementations under internal/sources.
package engine

import (
	"context"
	"time"
)

// CounterSource is a data source exposing a monotonically non-decreasing
// counter per queue, e.g. a broker's acked-message count, a database
// sequence, or a cloud metric sum. Counters may reset (broker restart,
// flushed store) and are comparable only within the same source instance.
type CounterSource interface {
	// Name identifies the source in logs, errors and reports.
	Name() string
	// Volatile reports whether the source's counters can reset mid-window.
	// The sampler re-polls volatile sources during the wait phase and
	// accumulates deltas incrementally instead of subtracting endpoints.
	Volatile() bool
	// GetSnapshot reads the current counter value for every queue the source
	// knows about. It must be idempotent and side-effect-free. Transient I/O
	// failures are reported as *ErrSourceUnavailable.
	GetSnapshot(ctx context.Context) (*Snapshot, error)
}

// PagedLogSource is a data source exposing only a reverse-chronological
// paginated record log keyed by a processing timestamp, with no live
// counter. Pages are 1-based and records within a page are newest first.
type PagedLogSource interface {
	// Name identifies the source in logs, errors and reports.
	Name() string
	// GetPage returns the record timestamps of one page, newest first. Pages
	// beyond the end of the history are empty, not an error. It must be
	// idempotent and side-effect-free. Transient failures are reported as
	// *ErrSourceUnavailable.
	GetPage(ctx context.Context, pageIndex, pageSize int) ([]time.Time, error)
}

// EnvironmentChecker is implemented by sources that can validate the remote
// environment before sampling begins, e.g. that queues exist at all or that
// the broker has statistics enabled. A structurally unusable environment is
// reported as *ErrInvalidEnvironment.
type EnvironmentChecker interface {
	CheckEnvironment(ctx context.Context) error
}

// Snapshot is a point-in-time reading of all queue counters from one source.
// Snapshots are immutable once captured.
type Snapshot struct {
	CapturedAt time.Time
	// Counters maps queue name to counter value. A nil value means the source
	// could not answer for that queue on this pass.
	Counters map[string]*int64
}

// ThroughputResult is the estimated throughput of one queue over the
// observation window. A nil Throughput means "no data or send-only": the
// queue exists but produced no countable activity or no source answer.
type ThroughputResult struct {
	Queue      string
	Throughput *int64
	// Scope optionally qualifies which sub-stream of the queue the value
	// covers, e.g. the UTC day a daily metrics total was taken from.
	Scope string
}

// Window is the bounded observation window of one sampling run.
// Start and End are the actual snapshot capture times; Duration is the
// configured target, which End-Start may undershoot on cancellation.
type Window struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// SampleResult is the outcome of one Sampler run.
type SampleResult struct {
	Window  Window
	Results []ThroughputResult
	// Partial is true when the run was cancelled before the full window
	// elapsed and Results covers a shorter window than requested.
	Partial bool
}

// Captured returns how many queues have a numeric throughput value.
func (r *SampleResult) Captured() int {
	captured := 0
	for _, result := range r.Results {
		if result.Throughput != nil {
			captured++
		}
	}
	return captured
}
