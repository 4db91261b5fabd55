// Package cloudwatch estimates SQS queue throughput from CloudWatch's daily
// NumberOfMessagesDeleted sums. SQS exposes no readable processed counter, so
// instead of sampling a window the source looks back over the trailing days
// of metric history and reports the busiest whole UTC day per queue.
package cloudwatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/common/util"
	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

// SourceName identifies this source in logs, errors and reports.
const SourceName = "cloudwatch"

// DefaultTrailingDays is how many whole UTC days of metric history are
// inspected when the configuration does not say otherwise.
const DefaultTrailingDays = 4

const (
	sqsNamespace       = "AWS/SQS"
	deletedMetricName  = "NumberOfMessagesDeleted"
	queueNameDimension = "QueueName"
	dailyPeriodSeconds = 86400
)

// QueueLister lists SQS queue URLs. *sqs.Client satisfies it.
type QueueLister interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// MetricFetcher reads CloudWatch metric statistics. *cloudwatch.Client
// satisfies it.
type MetricFetcher interface {
	GetMetricStatistics(ctx context.Context, params *cw.GetMetricStatisticsInput, optFns ...func(*cw.Options)) (*cw.GetMetricStatisticsOutput, error)
}

type Source struct {
	queues       QueueLister
	metrics      MetricFetcher
	trailingDays int

	clock util.Clock
}

// New resolves credentials through the SDK default chain (environment,
// shared config, instance role) and returns a source over the resulting
// SQS and CloudWatch clients.
func New(ctx context.Context, config configuration.CloudwatchConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	return NewWithClients(sqs.NewFromConfig(cfg), cw.NewFromConfig(cfg), config.TrailingDays), nil
}

// NewWithClients returns a source over existing clients.
func NewWithClients(queues QueueLister, metrics MetricFetcher, trailingDays int) *Source {
	if trailingDays <= 0 {
		trailingDays = DefaultTrailingDays
	}
	return &Source{
		queues:       queues,
		metrics:      metrics,
		trailingDays: trailingDays,
		clock:        &util.DefaultClock{},
	}
}

func (s *Source) Name() string { return SourceName }

// TrailingDays is how many trailing UTC days of daily sums each queue query
// inspects.
func (s *Source) TrailingDays() int { return s.trailingDays }

// ListQueues walks the paginated queue listing and returns queue names, in
// listing order. SQS reports queues by URL; the name is the last path
// segment.
func (s *Source) ListQueues(ctx context.Context) ([]string, error) {
	var names []string

	paginator := sqs.NewListQueuesPaginator(s.queues, &sqs.ListQueuesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.WithStack(&engine.ErrSourceUnavailable{
				Source:  SourceName,
				Message: "listing SQS queues",
				Err:     err,
			})
		}
		for _, queueURL := range page.QueueUrls {
			names = append(names, queueNameFromURL(queueURL))
		}
	}

	if len(names) == 0 {
		return nil, errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: "the account has no SQS queues visible to these credentials",
		})
	}
	return names, nil
}

// QueryQueue reads the queue's daily NumberOfMessagesDeleted sums over the
// trailing days and returns the largest one, scoped to its UTC date. A queue
// with no datapoints at all reports a nil throughput.
func (s *Source) QueryQueue(ctx context.Context, queue string) (engine.QueryResult, error) {
	end := startOfDay(s.clock.Now().UTC())
	start := end.AddDate(0, 0, -s.trailingDays)

	output, err := s.metrics.GetMetricStatistics(ctx, &cw.GetMetricStatisticsInput{
		Namespace:  aws.String(sqsNamespace),
		MetricName: aws.String(deletedMetricName),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(queueNameDimension), Value: aws.String(queue)},
		},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(dailyPeriodSeconds),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticSum},
	})
	if err != nil {
		return engine.QueryResult{}, errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("reading %s for queue %s", deletedMetricName, queue),
			Err:     err,
		})
	}
	return maxDailySum(output.Datapoints), nil
}

// maxDailySum picks the busiest day out of the returned datapoints.
// CloudWatch returns them in no particular order, so every point is compared.
func maxDailySum(datapoints []cwtypes.Datapoint) engine.QueryResult {
	var result engine.QueryResult
	for _, point := range datapoints {
		if point.Sum == nil || point.Timestamp == nil {
			continue
		}
		sum := int64(*point.Sum)
		if result.Throughput == nil || sum > *result.Throughput {
			value := sum
			result.Throughput = &value
			result.Scope = point.Timestamp.UTC().Format("2006-01-02")
		}
	}
	return result
}

func queueNameFromURL(queueURL string) string {
	if i := strings.LastIndex(queueURL, "/"); i >= 0 {
		return queueURL[i+1:]
	}
	return queueURL
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
