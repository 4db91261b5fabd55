package logline

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/build"
	"github.com/loglineproject/logline/internal/logline/configuration"
	"github.com/loglineproject/logline/internal/report"
	"github.com/loglineproject/logline/internal/sources/auditapi"
)

// RunCounterSource measures per-queue throughput from a snapshot/delta source
// over the configured observation window and writes the report. The process
// stays up for the whole window.
func (a *App) RunCounterSource(ctx context.Context, source engine.CounterSource) error {
	if err := a.validateParams(); err != nil {
		return err
	}
	window, err := a.observationWindow()
	if err != nil {
		return err
	}
	filter, err := loadQueueFilter(a.Params.Config.QueueFilterFile)
	if err != nil {
		return err
	}

	// Fail before the window starts if the source is structurally unusable,
	// rather than discovering it a day into the run.
	if checker, ok := source.(engine.EnvironmentChecker); ok {
		if err := checker.CheckEnvironment(ctx); err != nil {
			return err
		}
	}

	budget := engine.NewFailureBudget(a.Params.Config.Sampling.FailureThreshold)
	sampler, err := engine.NewSampler(source, window, budget)
	if err != nil {
		return err
	}
	a.applySamplingConfig(sampler)
	sampler.Logger = log.WithField("source", source.Name())

	log.Infof("observing %s for %s", source.Name(), window)
	sample, err := sampler.Sample(ctx)
	if err != nil {
		return err
	}

	return a.writeReport(source.Name(), sample.Window, filter.ApplyResults(sample.Results), sample.Partial)
}

// RunFanOut queries a metrics API once per queue and writes the report. The
// reading is retrospective: the report window covers the trailing whole UTC
// days the source inspected, and each queue's scope names the day its reading
// came from.
func (a *App) RunFanOut(ctx context.Context, source FanOutSource) error {
	if err := a.validateParams(); err != nil {
		return err
	}
	filter, err := loadQueueFilter(a.Params.Config.QueueFilterFile)
	if err != nil {
		return err
	}

	queues, err := source.ListQueues(ctx)
	if err != nil {
		return err
	}
	// Filter before polling: metered APIs charge per query.
	queues = filter.Apply(queues)
	if len(queues) == 0 {
		return errors.Errorf("the queue filter admitted none of the %s queues", source.Name())
	}

	sampling := a.Params.Config.Sampling
	maxInFlight := sampling.MaxInFlightQueries
	if maxInFlight <= 0 {
		maxInFlight = configuration.DefaultMaxInFlightQueries
	}
	poller, err := engine.NewPoller(maxInFlight, sampling.QueriesPerSecond)
	if err != nil {
		return err
	}
	if sampling.QueryTimeout > 0 {
		poller.CallTimeout = sampling.QueryTimeout
	}
	poller.Logger = log.WithField("source", source.Name())
	poller.Progress = &engine.LogProgress{Logger: poller.Logger, Every: 10}

	log.Infof("querying %d %s queues", len(queues), source.Name())
	results, err := poller.PollAll(ctx, source.Name(), queues, source.QueryQueue)
	partial := false
	if err != nil {
		// Cancellation hands back whatever the fan-out gathered; report
		// those queues rather than discarding them.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		partial = true
	}

	window := trailingWindow(time.Now().UTC(), source.TrailingDays())
	return a.writeReport(source.Name(), window, results, partial)
}

// RunAudit estimates per-endpoint throughput by walking each endpoint's paged
// message log backwards from now across the configured window, and writes the
// report.
func (a *App) RunAudit(ctx context.Context, client *auditapi.Client) error {
	if err := a.validateParams(); err != nil {
		return err
	}
	window, err := a.observationWindow()
	if err != nil {
		return err
	}
	filter, err := loadQueueFilter(a.Params.Config.QueueFilterFile)
	if err != nil {
		return err
	}

	endpoints, err := client.Endpoints(ctx)
	if err != nil {
		return err
	}
	endpoints = filter.Apply(endpoints)
	if len(endpoints) == 0 {
		return errors.New("the queue filter admitted none of the audit endpoints")
	}

	end := time.Now().UTC()
	cutoff := end.Add(-window)
	partial := false
	results := make([]engine.ThroughputResult, 0, len(endpoints))
	log.Infof("estimating %d audit endpoints back to %s", len(endpoints), cutoff.Format(time.RFC3339))
	for _, endpoint := range endpoints {
		estimator, err := engine.NewEstimator(client.EndpointLog(endpoint), a.Params.Config.Audit.PageSize)
		if err != nil {
			return err
		}
		estimator.Logger = log.WithField("endpoint", endpoint)

		count, err := estimator.CountSince(ctx, cutoff)
		if err != nil && ctx.Err() != nil {
			// Cancelled mid-run. Remaining endpoints take this branch too,
			// without issuing further requests, so the report still names
			// every endpoint.
			partial = true
			results = append(results, engine.ThroughputResult{Queue: endpoint})
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "estimating throughput of endpoint %s", endpoint)
		}
		results = append(results, engine.ThroughputResult{Queue: endpoint, Throughput: count})
	}
	if partial {
		log.Warn("run cancelled before every endpoint was estimated; writing a partial report")
	}

	return a.writeReport(auditapi.SourceName, engine.Window{Start: cutoff, End: end, Duration: window}, results, partial)
}

// writeReport assembles, signs and writes the report file, and prints its
// path. With no private key configured the report is written unsigned, with
// a warning.
func (a *App) writeReport(sourceKind string, window engine.Window, results []engine.ThroughputResult, partial bool) error {
	config := a.Params.Config
	r := report.New(sourceKind, config.CustomerIdentifier, build.ReleaseVersion, window, results, partial)

	var signed report.SignedReport
	if config.Report.PrivateKeyFile == "" {
		log.Warn("no private key configured; writing an unsigned report")
		signed = report.Unsigned(r)
	} else {
		signer, err := report.NewSigner(config.Report.PrivateKeyFile)
		if err != nil {
			return err
		}
		signed, err = signer.Sign(r)
		if err != nil {
			return err
		}
	}

	directory, err := homedir.Expand(config.OutputDirectory)
	if err != nil {
		return errors.WithStack(err)
	}
	path, err := report.Write(directory, signed)
	if err != nil {
		return err
	}

	log.Infof("report %s covers %d queues, total throughput %d", r.ReportID, len(r.Queues), r.TotalThroughput)
	fmt.Fprintln(a.Out, path)
	return nil
}

// observationWindow applies the default window length and enforces the
// supported range. Minutes are for trial runs; production measurements use
// hours, up to a full day.
func (a *App) observationWindow() (time.Duration, error) {
	window := a.Params.Config.WindowDuration
	if window == 0 {
		window = configuration.DefaultWindowDuration
	}
	if window < configuration.MinWindowDuration || window > configuration.MaxWindowDuration {
		return 0, errors.Errorf(
			"window duration %s is outside the supported range of %s to %s",
			window, configuration.MinWindowDuration, configuration.MaxWindowDuration)
	}
	return window, nil
}

// applySamplingConfig overrides the sampler's defaults with any tunables set
// in configuration. Zero values keep the engine defaults.
func (a *App) applySamplingConfig(sampler *engine.Sampler) {
	sampling := a.Params.Config.Sampling
	if sampling.PollInterval > 0 {
		sampler.PollInterval = sampling.PollInterval
	}
	if sampling.ResampleInterval > 0 {
		sampler.ResampleInterval = sampling.ResampleInterval
	}
	if sampling.SnapshotRetryInterval > 0 {
		sampler.SnapshotRetryInterval = sampling.SnapshotRetryInterval
	}
	if sampling.GraceTimeout > 0 {
		sampler.GraceTimeout = sampling.GraceTimeout
	}
}

// trailingWindow is the whole-UTC-day span a retrospective metrics run
// covered: trailingDays days back from the start of today. Today's partial
// day is excluded, matching the queries the fan-out sources issue. Duration
// is a day because each queue's reading is a single-day total.
func trailingWindow(now time.Time, trailingDays int) engine.Window {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return engine.Window{
		Start:    end.AddDate(0, 0, -trailingDays),
		End:      end,
		Duration: 24 * time.Hour,
	}
}
