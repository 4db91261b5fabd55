// Package azuremonitor estimates Azure Service Bus queue throughput from
// Azure Monitor's daily CompleteMessage totals. Service Bus exposes no
// readable processed counter, so the source looks back over the trailing
// days of metric history and reports the busiest whole UTC day per queue.
package azuremonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/loglineproject/logline/internal/common/util"
	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

// SourceName identifies this source in logs, errors and reports.
const SourceName = "azure"

// DefaultTrailingDays is how many whole UTC days of metric history are
// inspected when the configuration does not say otherwise.
const DefaultTrailingDays = 4

const (
	defaultManagementURL = "https://management.azure.com"
	queuesAPIVersion     = "2021-11-01"
	metricsAPIVersion    = "2018-01-01"
	completeMetricName   = "CompleteMessage"
)

type Source struct {
	client         *http.Client
	managementURL  string
	subscriptionID string
	resourceGroup  string
	namespace      string
	trailingDays   int

	clock util.Clock
}

// New authenticates with AAD client credentials and returns a source over
// the Azure Resource Manager REST API. The oauth2 client refreshes tokens
// transparently for the lifetime of the source.
func New(ctx context.Context, config configuration.AzureConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	managementURL := config.ManagementURL
	if managementURL == "" {
		managementURL = defaultManagementURL
	}
	credentials := &clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", config.TenantID),
		Scopes:       []string{managementURL + "/.default"},
	}
	return newWithClient(credentials.Client(ctx), managementURL, config), nil
}

func newWithClient(client *http.Client, managementURL string, config configuration.AzureConfig) *Source {
	trailingDays := config.TrailingDays
	if trailingDays <= 0 {
		trailingDays = DefaultTrailingDays
	}
	return &Source{
		client:         client,
		managementURL:  managementURL,
		subscriptionID: config.SubscriptionID,
		resourceGroup:  config.ResourceGroup,
		namespace:      config.Namespace,
		trailingDays:   trailingDays,
		clock:          &util.DefaultClock{},
	}
}

func (s *Source) Name() string { return SourceName }

// TrailingDays is how many trailing UTC days of daily totals each queue query
// inspects.
func (s *Source) TrailingDays() int { return s.trailingDays }

// queuePage is one page of the ARM queue listing. nextLink is absolute and
// carries its own continuation token.
type queuePage struct {
	Value []struct {
		Name string `json:"name"`
	} `json:"value"`
	NextLink string `json:"nextLink"`
}

// metricsResponse is the subset of the Azure Monitor metrics response the
// source reads. Datapoints without a total are days the metric was not
// emitted at all.
type metricsResponse struct {
	Value []struct {
		Timeseries []struct {
			Data []metricPoint `json:"data"`
		} `json:"timeseries"`
	} `json:"value"`
}

type metricPoint struct {
	TimeStamp time.Time `json:"timeStamp"`
	Total     *float64  `json:"total"`
}

// ListQueues walks the namespace's queue listing, following nextLink until
// the last page.
func (s *Source) ListQueues(ctx context.Context) ([]string, error) {
	var names []string

	next := fmt.Sprintf("%s%s/queues?api-version=%s", s.managementURL, s.namespacePath(), queuesAPIVersion)
	for next != "" {
		var page queuePage
		if err := s.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, queue := range page.Value {
			names = append(names, queue.Name)
		}
		next = page.NextLink
	}

	if len(names) == 0 {
		return nil, errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: fmt.Sprintf("namespace %s has no queues", s.namespace),
		})
	}
	return names, nil
}

// QueryQueue reads the queue's daily CompleteMessage totals over the
// trailing days and returns the largest one, scoped to its UTC date. A queue
// with no datapoints at all reports a nil throughput.
func (s *Source) QueryQueue(ctx context.Context, queue string) (engine.QueryResult, error) {
	end := startOfDay(s.clock.Now().UTC())
	start := end.AddDate(0, 0, -s.trailingDays)

	query := url.Values{}
	query.Set("api-version", metricsAPIVersion)
	query.Set("metricnames", completeMetricName)
	query.Set("interval", "P1D")
	query.Set("aggregation", "Total")
	query.Set("timespan", fmt.Sprintf("%s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	requestURL := fmt.Sprintf("%s%s/queues/%s/providers/Microsoft.Insights/metrics?%s",
		s.managementURL, s.namespacePath(), queue, query.Encode())

	var response metricsResponse
	if err := s.getJSON(ctx, requestURL, &response); err != nil {
		return engine.QueryResult{}, err
	}
	return maxDailyTotal(response), nil
}

// maxDailyTotal picks the busiest day out of every returned timeseries.
func maxDailyTotal(response metricsResponse) engine.QueryResult {
	var result engine.QueryResult
	for _, metric := range response.Value {
		for _, series := range metric.Timeseries {
			for _, point := range series.Data {
				if point.Total == nil {
					continue
				}
				total := int64(*point.Total)
				if result.Throughput == nil || total > *result.Throughput {
					value := total
					result.Throughput = &value
					result.Scope = point.TimeStamp.UTC().Format("2006-01-02")
				}
			}
		}
	}
	return result
}

func (s *Source) namespacePath() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ServiceBus/namespaces/%s",
		s.subscriptionID, s.resourceGroup, s.namespace)
}

func (s *Source) getJSON(ctx context.Context, requestURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s", requestURL),
			Err:     err,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s returned %s", requestURL, resp.Status),
		})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s returned malformed JSON", requestURL),
			Err:     err,
		})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
