package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "logline_"

type metrics struct {
	snapshotPasses *prometheus.CounterVec
	pollQueries    *prometheus.CounterVec
	pageFetches    *prometheus.CounterVec
	budgetFailures *prometheus.GaugeVec
}

// Shared by all engine instances in the process; the default registry
// rejects duplicate registration, so these are created exactly once.
var engineMetrics = newMetrics()

func newMetrics() *metrics {
	snapshotPassesOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "snapshot_passes",
		Help: "Number of snapshot passes grouped by source and outcome",
	}
	pollQueriesOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "poll_queries",
		Help: "Number of per-queue fan-out queries grouped by source and outcome",
	}
	pageFetchesOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "estimator_page_fetches",
		Help: "Number of audit log pages fetched by the estimator grouped by source",
	}
	budgetFailuresOpts := prometheus.GaugeOpts{
		Name: MetricsPrefix + "budget_consecutive_failures",
		Help: "Current consecutive-failure count of the sampling failure budget grouped by source",
	}
	return &metrics{
		snapshotPasses: promauto.NewCounterVec(snapshotPassesOpts, []string{"source", "outcome"}),
		pollQueries:    promauto.NewCounterVec(pollQueriesOpts, []string{"source", "outcome"}),
		pageFetches:    promauto.NewCounterVec(pageFetchesOpts, []string{"source"}),
		budgetFailures: promauto.NewGaugeVec(budgetFailuresOpts, []string{"source"}),
	}
}

func (m *metrics) recordSnapshotPass(source string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.snapshotPasses.With(map[string]string{"source": source, "outcome": outcome}).Inc()
}

func (m *metrics) recordPollQuery(source string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.pollQueries.With(map[string]string{"source": source, "outcome": outcome}).Inc()
}

func (m *metrics) recordPageFetch(source string) {
	m.pageFetches.With(map[string]string{"source": source}).Inc()
}

func (m *metrics) recordBudgetFailures(source string, failures int) {
	m.budgetFailures.With(map[string]string{"source": source}).Set(float64(failures))
}
