package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loglineproject/logline/internal/common/logging"
)

// QueryResult is the answer of one per-queue query issued by the Poller.
type QueryResult struct {
	Throughput *int64
	// Scope optionally qualifies the value, e.g. the UTC day it covers.
	Scope string
}

// QueryFunc resolves the throughput of a single queue. Implementations are
// called concurrently and must be safe for concurrent use.
type QueryFunc func(ctx context.Context, queue string) (QueryResult, error)

// Poller fans a per-queue query out over a fixed set of queues, with bounded
// concurrency and a global rate limit so that metered APIs (CloudWatch,
// Azure Monitor) are not hammered. Individual query failures are absorbed:
// the affected queue gets a nil throughput and the rest of the fan-out
// proceeds. Only a fan-out where every single query failed is an error.
type Poller struct {
	maxInFlight int
	limiter     *rate.Limiter

	// CallTimeout bounds each individual query. Defaults to 30 seconds.
	CallTimeout time.Duration
	// Progress receives completion updates as queries finish. Defaults to
	// NullProgress.
	Progress ProgressReporter
	// If provided, is used for logging.
	Logger *logrus.Entry
}

// NewPoller returns a Poller issuing at most maxInFlight queries at a time
// and at most ratePerSecond queries per second overall. A zero or negative
// rate disables rate limiting; bursts up to maxInFlight are allowed so a
// fan-out can start without queueing behind the limiter.
func NewPoller(maxInFlight int, ratePerSecond float64) (*Poller, error) {
	if maxInFlight <= 0 {
		return nil, errors.Errorf("max in-flight queries %d is not positive", maxInFlight)
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Poller{
		maxInFlight: maxInFlight,
		limiter:     rate.NewLimiter(limit, maxInFlight),
		CallTimeout: 30 * time.Second,
		Progress:    NullProgress{},
	}, nil
}

// PollAll queries every queue once and returns one ThroughputResult per queue.
// source names the polled system in logs, errors and metrics.
//
// On cancellation PollAll returns the results gathered so far together with the
// context's error, so callers can report a partial run. Queues whose query
// failed are present in the results with a nil throughput; if every query
// failed, PollAll returns *ErrSourceUnavailable carrying the last few causes.
func (p *Poller) PollAll(ctx context.Context, source string, queues []string, query QueryFunc) ([]ThroughputResult, error) {
	log := p.log().WithField("source", source)

	var mu sync.Mutex
	completed := 0
	failures := 0
	var lastErrors *multierror.Error
	results := make([]*ThroughputResult, len(queues))

	// The group context is cancelled once Wait returns, so cancellation of
	// the run is always read off the parent context.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxInFlight)
	for i, queue := range queues {
		i, queue := i, queue
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				// Cancelled while queueing behind the rate limit; the queue
				// was never attempted and stays out of the results.
				return nil
			}
			queryCtx, cancel := context.WithTimeout(gctx, p.CallTimeout)
			answer, err := query(queryCtx, queue)
			cancel()
			engineMetrics.recordPollQuery(source, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				if len(lastErrors.WrappedErrors()) < DefaultRetainedErrors {
					lastErrors = multierror.Append(lastErrors, errors.Wrapf(err, "queue %s", queue))
				}
				logging.WithStacktrace(log.WithField("queue", queue), err).Warn("query failed, continuing with remaining queues")
				results[i] = &ThroughputResult{Queue: queue}
			} else {
				results[i] = &ThroughputResult{Queue: queue, Throughput: answer.Throughput, Scope: answer.Scope}
			}
			completed++
			p.Progress.Report(completed, len(queues))
			return nil
		})
	}
	groupErr := g.Wait()

	gathered := make([]ThroughputResult, 0, len(results))
	for _, result := range results {
		if result != nil {
			gathered = append(gathered, *result)
		}
	}
	if err := ctx.Err(); err != nil {
		log.Warnf("polling cancelled after %d of %d queues", len(gathered), len(queues))
		return gathered, errors.WithStack(err)
	}
	if groupErr != nil {
		return gathered, errors.WithStack(groupErr)
	}
	if failures == len(queues) && len(queues) > 0 {
		return nil, errors.WithStack(&ErrSourceUnavailable{
			Source:  source,
			Message: errors.Errorf("all %d queue queries failed", len(queues)).Error(),
			Err:     lastErrors.ErrorOrNil(),
		})
	}
	if failures > 0 {
		log.Warnf("%d of %d queue queries failed", failures, len(queues))
	}
	return gathered, nil
}

func (p *Poller) log() *logrus.Entry {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
