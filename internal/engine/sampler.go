package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/loglineproject/logline/internal/common/logging"
	"github.com/loglineproject/logline/internal/common/util"
)

// Sampler measures per-queue throughput from a CounterSource over a bounded
// window: take a snapshot, wait out the window, take another snapshot, and
// report the per-queue counter deltas.
//
// Counter resets are handled by incremental accumulation rather than pure
// end-minus-start subtraction: whenever a counter is observed lower than its
// previous reading, the post-reset value itself is counted as newly
// accumulated. For volatile sources the sampler re-polls mid-window at
// ResampleInterval so that a reset loses at most one resample interval of
// counts; pure subtraction would silently drop everything accumulated before
// the reset. Stable sources are only read at the window edges, where the
// same folding rule degenerates to end-minus-start.
type Sampler struct {
	source CounterSource
	window time.Duration
	budget *FailureBudget

	// PollInterval is how often the wait loop wakes to check for
	// cancellation and the window deadline. Defaults to 250ms.
	PollInterval time.Duration
	// ResampleInterval is how often volatile sources are re-polled
	// mid-window. Defaults to 5 minutes.
	ResampleInterval time.Duration
	// SnapshotRetryInterval is the pause between failed snapshot passes at
	// the window edges. Defaults to 30 seconds.
	SnapshotRetryInterval time.Duration
	// GraceTimeout bounds the best-effort final snapshot taken after
	// cancellation. Defaults to 10 seconds.
	GraceTimeout time.Duration
	// Clock can be overridden in tests.
	Clock util.Clock
	// If provided, is used for logging.
	Logger *logrus.Entry
}

// NewSampler returns a Sampler for the given source and window length.
// A nil budget selects a fresh budget with default thresholds.
func NewSampler(source CounterSource, window time.Duration, budget *FailureBudget) (*Sampler, error) {
	if source == nil {
		return nil, errors.New("no counter source provided")
	}
	if window < 0 {
		return nil, errors.Errorf("window duration %s is negative", window)
	}
	if budget == nil {
		budget = NewFailureBudget(0)
	}
	return &Sampler{
		source:                source,
		window:                window,
		budget:                budget,
		PollInterval:          250 * time.Millisecond,
		ResampleInterval:      5 * time.Minute,
		SnapshotRetryInterval: 30 * time.Second,
		GraceTimeout:          10 * time.Second,
		Clock:                 &util.DefaultClock{},
	}, nil
}

// Sample runs one observation window against the source.
//
// Cancellation mid-window is not an error: a best-effort final snapshot is
// taken on a detached context and the result is returned with Partial set,
// so that already-captured queues are reported rather than discarded. Sample
// returns an error only if the source's environment is unusable
// (*ErrInvalidEnvironment), the failure budget trips (*ErrExhausted), or
// cancellation arrives before the initial snapshot succeeds.
func (s *Sampler) Sample(ctx context.Context) (*SampleResult, error) {
	log := s.log()

	s0, err := s.snapshotWithBudget(ctx)
	if err != nil {
		return nil, err
	}
	start := s0.CapturedAt
	deadline := start.Add(s.window)
	acc := newAccumulator(s0)
	log.WithField("queues", len(s0.Counters)).Infof("initial snapshot captured, sampling until %s", deadline.Format(time.RFC3339))

	cancelled := false
	if s.window > 0 {
		cancelled, err = s.wait(ctx, deadline, acc)
		if err != nil {
			return nil, err
		}
	}

	var s1 *Snapshot
	if !cancelled {
		s1, err = s.snapshotWithBudget(ctx)
		if err != nil {
			// The window itself completed, so cancellation during the final
			// snapshot still yields a partial result. Anything else is fatal.
			if ctx.Err() == nil || IsExhausted(err) || IsInvalidEnvironment(err) {
				return nil, err
			}
			cancelled = true
		}
	}
	if cancelled && s1 == nil {
		log.Warn("sampling cancelled, attempting a final best-effort snapshot")
		s1, err = s.bestEffortSnapshot()
		if err != nil {
			logging.WithStacktrace(log, err).Warn("final snapshot after cancellation failed, reporting accumulated counts only")
			s1 = nil
		}
	}

	end := s.Clock.Now()
	if s1 != nil {
		acc.fold(s1)
		end = s1.CapturedAt
	}

	if !cancelled && !acc.sawValidData() {
		return nil, errors.WithStack(&ErrInvalidEnvironment{
			Source:  s.source.Name(),
			Message: "source returned no usable counter data across the whole window",
		})
	}

	result := &SampleResult{
		Window:  Window{Start: start, End: end, Duration: s.window},
		Results: acc.results(),
		Partial: cancelled,
	}
	log.Infof("captured throughput for %d of %d queues", result.Captured(), len(result.Results))
	return result, nil
}

// snapshotWithBudget calls GetSnapshot until it succeeds, charging each
// failed pass to the failure budget and pausing between attempts.
func (s *Sampler) snapshotWithBudget(ctx context.Context) (*Snapshot, error) {
	log := s.log()
	for {
		snapshot, err := s.source.GetSnapshot(ctx)
		engineMetrics.recordSnapshotPass(s.source.Name(), err)
		if err == nil {
			s.budget.RecordSuccess()
			engineMetrics.recordBudgetFailures(s.source.Name(), s.budget.Failures())
			return snapshot, nil
		}
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		if IsInvalidEnvironment(err) {
			return nil, err
		}
		s.budget.RecordFailure(err)
		engineMetrics.recordBudgetFailures(s.source.Name(), s.budget.Failures())
		if s.budget.Exhausted() {
			return nil, s.budget.Err(s.source.Name())
		}
		logging.WithStacktrace(log, err).Warnf("snapshot pass failed, budget %s with %d consecutive failures", s.budget.State(), s.budget.Failures())

		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(s.SnapshotRetryInterval):
		}
	}
}

// wait blocks until the window deadline, folding intermediate snapshots of
// volatile sources into the accumulator. It returns cancelled=true if ctx
// was cancelled before the deadline, and an error only if the failure budget
// tripped mid-window.
func (s *Sampler) wait(ctx context.Context, deadline time.Time, acc *accumulator) (bool, error) {
	log := s.log()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	nextResample := s.Clock.Now().Add(s.ResampleInterval)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-ticker.C:
			now := s.Clock.Now()
			if !now.Before(deadline) {
				return false, nil
			}
			if !s.source.Volatile() || now.Before(nextResample) {
				continue
			}
			nextResample = now.Add(s.ResampleInterval)

			snapshot, err := s.source.GetSnapshot(ctx)
			engineMetrics.recordSnapshotPass(s.source.Name(), err)
			if err != nil {
				if ctx.Err() != nil {
					return true, nil
				}
				s.budget.RecordFailure(err)
				engineMetrics.recordBudgetFailures(s.source.Name(), s.budget.Failures())
				if s.budget.Exhausted() {
					return false, s.budget.Err(s.source.Name())
				}
				logging.WithStacktrace(log, err).Warnf("mid-window snapshot failed, budget %s with %d consecutive failures", s.budget.State(), s.budget.Failures())
				continue
			}
			s.budget.RecordSuccess()
			engineMetrics.recordBudgetFailures(s.source.Name(), s.budget.Failures())
			acc.fold(snapshot)
			log.WithField("queues", len(snapshot.Counters)).Debugf("folded mid-window snapshot, %s until deadline", deadline.Sub(now))
		}
	}
}

// bestEffortSnapshot grabs one final snapshot on a context detached from the
// cancelled run context, bounded by GraceTimeout.
func (s *Sampler) bestEffortSnapshot() (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.GraceTimeout)
	defer cancel()
	return s.source.GetSnapshot(ctx)
}

func (s *Sampler) log() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger.WithField("source", s.source.Name())
	}
	return logrus.StandardLogger().WithField("source", s.source.Name())
}

// accumulator folds successive snapshots of one source into per-queue
// running totals. It is owned by the sampling loop and must not be shared
// across goroutines; Sample folds every snapshot from the loop that created
// the accumulator, so no locking is needed.
type accumulator struct {
	// totals holds the accumulated delta per queue.
	totals map[string]int64
	// last holds the most recent non-nil counter reading per queue.
	last map[string]int64
	// seen holds every queue name any pass has mentioned, answered or not.
	seen map[string]bool
	// counted marks queues with at least one delta observation beyond their
	// baseline; only those get a numeric result.
	counted map[string]bool
}

func newAccumulator(s0 *Snapshot) *accumulator {
	acc := &accumulator{
		totals:  make(map[string]int64),
		last:    make(map[string]int64),
		seen:    make(map[string]bool),
		counted: make(map[string]bool),
	}
	acc.fold(s0)
	return acc
}

// fold applies one snapshot. The first non-nil reading of a queue only
// establishes its baseline; subsequent readings accumulate the delta. A
// reading lower than the previous one is a counter reset and the post-reset
// value counts as newly accumulated, so resets never produce negative
// deltas, only (bounded) undercounts.
func (a *accumulator) fold(snapshot *Snapshot) {
	for queue, value := range snapshot.Counters {
		a.seen[queue] = true
		if value == nil {
			continue
		}
		previous, ok := a.last[queue]
		if !ok {
			a.last[queue] = *value
			continue
		}
		if *value >= previous {
			a.totals[queue] += *value - previous
		} else {
			a.totals[queue] += *value
		}
		a.last[queue] = *value
		a.counted[queue] = true
	}
}

// sawValidData reports whether any queue ever produced a counter value.
func (a *accumulator) sawValidData() bool {
	return len(a.last) > 0
}

// results returns one ThroughputResult per queue seen in any pass, sorted by
// queue name. Queues that never got past their baseline (unanswered on one
// side of the window, appeared too late, send-only) carry a nil throughput
// rather than being omitted.
func (a *accumulator) results() []ThroughputResult {
	queues := make([]string, 0, len(a.seen))
	for queue := range a.seen {
		queues = append(queues, queue)
	}
	slices.Sort(queues)

	results := make([]ThroughputResult, 0, len(queues))
	for _, queue := range queues {
		if !a.counted[queue] {
			results = append(results, ThroughputResult{Queue: queue})
			continue
		}
		total := a.totals[queue]
		results = append(results, ThroughputResult{Queue: queue, Throughput: &total})
	}
	return results
}
