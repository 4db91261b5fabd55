package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a fixed sequence of snapshot passes. Once the
// script is exhausted the last step repeats, so tests stay deterministic no
// matter how many mid-window resamples actually fire.
type scriptedSource struct {
	name     string
	volatile bool

	mu    sync.Mutex
	calls int
	steps []func() (map[string]*int64, error)
}

func (s *scriptedSource) Name() string   { return s.name }
func (s *scriptedSource) Volatile() bool { return s.volatile }

func (s *scriptedSource) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	step := s.calls
	s.calls++
	s.mu.Unlock()
	if step >= len(s.steps) {
		step = len(s.steps) - 1
	}
	counters, err := s.steps[step]()
	if err != nil {
		return nil, err
	}
	return &Snapshot{CapturedAt: time.Now(), Counters: counters}, nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func counters(values map[string]int64) func() (map[string]*int64, error) {
	return func() (map[string]*int64, error) {
		snapshot := make(map[string]*int64, len(values))
		for queue, value := range values {
			value := value
			snapshot[queue] = &value
		}
		return snapshot, nil
	}
}

func snapshotError(err error) func() (map[string]*int64, error) {
	return func() (map[string]*int64, error) {
		return nil, err
	}
}

// fastSampler returns a sampler tuned for sub-second test windows.
func fastSampler(t *testing.T, source CounterSource, window time.Duration) *Sampler {
	sampler, err := NewSampler(source, window, nil)
	require.NoError(t, err)
	sampler.PollInterval = time.Millisecond
	sampler.ResampleInterval = 5 * time.Millisecond
	sampler.SnapshotRetryInterval = time.Millisecond
	sampler.GraceTimeout = time.Second
	return sampler
}

func throughputOf(t *testing.T, result *SampleResult, queue string) *int64 {
	for _, r := range result.Results {
		if r.Queue == queue {
			return r.Throughput
		}
	}
	t.Fatalf("queue %q missing from results", queue)
	return nil
}

func TestSampler_StableSourceEndToEndDelta(t *testing.T) {
	source := &scriptedSource{
		name: "postgres",
		steps: []func() (map[string]*int64, error){
			counters(map[string]int64{"orders": 100, "billing": 5, "stale": 2}),
			counters(map[string]int64{"orders": 130, "billing": 5, "fresh": 7}),
		},
	}
	sampler := fastSampler(t, source, 20*time.Millisecond)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Partial)

	// Queues answered on both sides get the delta, even a zero one.
	require.NotNil(t, throughputOf(t, result, "orders"))
	assert.Equal(t, int64(30), *throughputOf(t, result, "orders"))
	require.NotNil(t, throughputOf(t, result, "billing"))
	assert.Equal(t, int64(0), *throughputOf(t, result, "billing"))

	// Queues only answered on one side are reported without a value.
	assert.Nil(t, throughputOf(t, result, "stale"))
	assert.Nil(t, throughputOf(t, result, "fresh"))
	assert.Equal(t, 2, result.Captured())

	// A stable source is read at the window edges only.
	assert.Equal(t, 2, source.callCount())
}

func TestSampler_ResultsSortedByQueue(t *testing.T) {
	source := &scriptedSource{
		name: "postgres",
		steps: []func() (map[string]*int64, error){
			counters(map[string]int64{"zulu": 1, "alpha": 1, "mike": 1}),
		},
	}
	sampler := fastSampler(t, source, 0)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "alpha", result.Results[0].Queue)
	assert.Equal(t, "mike", result.Results[1].Queue)
	assert.Equal(t, "zulu", result.Results[2].Queue)
}

func TestSampler_CounterResetIsAccumulatedNotNegative(t *testing.T) {
	// Counter drops from 100 to 0 mid-window (broker restart), then climbs
	// to 30. The 30 post-reset messages must be counted; a plain
	// end-minus-start would report -70.
	source := &scriptedSource{
		name:     "rabbitmq",
		volatile: true,
		steps: []func() (map[string]*int64, error){
			counters(map[string]int64{"orders": 100}),
			counters(map[string]int64{"orders": 0}),
			counters(map[string]int64{"orders": 30}),
		},
	}
	sampler := fastSampler(t, source, 100*time.Millisecond)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	require.NotNil(t, throughputOf(t, result, "orders"))
	assert.Equal(t, int64(30), *throughputOf(t, result, "orders"))
	// Volatile sources are resampled mid-window.
	assert.Greater(t, source.callCount(), 2)
}

func TestSampler_NilCounterEstablishesNoBaseline(t *testing.T) {
	withNil := func(values map[string]int64, nilQueue string) func() (map[string]*int64, error) {
		inner := counters(values)
		return func() (map[string]*int64, error) {
			snapshot, err := inner()
			if err != nil {
				return nil, err
			}
			snapshot[nilQueue] = nil
			return snapshot, nil
		}
	}
	source := &scriptedSource{
		name: "cloudwatch",
		steps: []func() (map[string]*int64, error){
			withNil(map[string]int64{"answered": 5}, "unanswered"),
			counters(map[string]int64{"answered": 9, "unanswered": 7}),
		},
	}
	sampler := fastSampler(t, source, 20*time.Millisecond)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	require.NotNil(t, throughputOf(t, result, "answered"))
	assert.Equal(t, int64(4), *throughputOf(t, result, "answered"))
	// The nil pass does not count as a reading, so the queue's first real
	// value only establishes its baseline.
	assert.Nil(t, throughputOf(t, result, "unanswered"))
}

func TestSampler_ZeroWindowYieldsZeroes(t *testing.T) {
	source := &scriptedSource{
		name:  "postgres",
		steps: []func() (map[string]*int64, error){counters(map[string]int64{"orders": 42})},
	}
	sampler := fastSampler(t, source, 0)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Partial)
	require.NotNil(t, throughputOf(t, result, "orders"))
	assert.Equal(t, int64(0), *throughputOf(t, result, "orders"))
}

func TestSampler_CancellationYieldsPartialResult(t *testing.T) {
	source := &scriptedSource{
		name: "postgres",
		steps: []func() (map[string]*int64, error){
			counters(map[string]int64{"orders": 100}),
			counters(map[string]int64{"orders": 130}),
		},
	}
	sampler := fastSampler(t, source, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := sampler.Sample(ctx)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	// The best-effort final snapshot still captured the delta.
	require.NotNil(t, throughputOf(t, result, "orders"))
	assert.Equal(t, int64(30), *throughputOf(t, result, "orders"))
	assert.Less(t, result.Window.End.Sub(result.Window.Start), time.Hour)
}

func TestSampler_CancellationWithFailingFinalSnapshot(t *testing.T) {
	source := &scriptedSource{
		name: "postgres",
		steps: []func() (map[string]*int64, error){
			counters(map[string]int64{"orders": 100}),
			snapshotError(&ErrSourceUnavailable{Source: "postgres", Message: "gone"}),
		},
	}
	sampler := fastSampler(t, source, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := sampler.Sample(ctx)
	require.NoError(t, err)
	assert.True(t, result.Partial)
	// Only the baseline was captured, so the queue is reported without a value.
	require.Len(t, result.Results, 1)
	assert.Nil(t, result.Results[0].Throughput)
	assert.Equal(t, 0, result.Captured())
}

func TestSampler_InitialSnapshotRetriedUnderBudget(t *testing.T) {
	source := &scriptedSource{
		name: "rabbitmq",
		steps: []func() (map[string]*int64, error){
			snapshotError(&ErrSourceUnavailable{Source: "rabbitmq", Message: "starting up"}),
			snapshotError(&ErrSourceUnavailable{Source: "rabbitmq", Message: "starting up"}),
			counters(map[string]int64{"orders": 100}),
			counters(map[string]int64{"orders": 110}),
		},
	}
	sampler := fastSampler(t, source, 10*time.Millisecond)

	result, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	require.NotNil(t, throughputOf(t, result, "orders"))
	assert.Equal(t, int64(10), *throughputOf(t, result, "orders"))
	assert.GreaterOrEqual(t, source.callCount(), 4)
}

func TestSampler_BudgetExhaustionAborts(t *testing.T) {
	source := &scriptedSource{
		name: "rabbitmq",
		steps: []func() (map[string]*int64, error){
			snapshotError(&ErrSourceUnavailable{Source: "rabbitmq", Message: "down"}),
		},
	}
	budget := NewFailureBudget(3)
	sampler, err := NewSampler(source, time.Second, budget)
	require.NoError(t, err)
	sampler.SnapshotRetryInterval = time.Millisecond

	result, err := sampler.Sample(context.Background())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))

	var exhausted *ErrExhausted
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Failures)
	assert.Len(t, exhausted.LastErrors.WrappedErrors(), 3)
	assert.Equal(t, 3, source.callCount())
}

func TestSampler_InvalidEnvironmentIsNotRetried(t *testing.T) {
	source := &scriptedSource{
		name: "postgres",
		steps: []func() (map[string]*int64, error){
			snapshotError(&ErrInvalidEnvironment{Source: "postgres", Message: "no tables"}),
		},
	}
	sampler := fastSampler(t, source, time.Second)

	result, err := sampler.Sample(context.Background())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, IsInvalidEnvironment(err))
	assert.Equal(t, 1, source.callCount())
}

func TestSampler_EmptyCountersAreInvalidEnvironment(t *testing.T) {
	source := &scriptedSource{
		name:  "redis",
		steps: []func() (map[string]*int64, error){counters(map[string]int64{})},
	}
	sampler := fastSampler(t, source, 10*time.Millisecond)

	result, err := sampler.Sample(context.Background())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, IsInvalidEnvironment(err))
}

func TestSampler_CancellationBeforeFirstSnapshotIsAnError(t *testing.T) {
	source := &scriptedSource{
		name: "rabbitmq",
		steps: []func() (map[string]*int64, error){
			snapshotError(&ErrSourceUnavailable{Source: "rabbitmq", Message: "down"}),
		},
	}
	sampler := fastSampler(t, source, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sampler.Sample(ctx)
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
