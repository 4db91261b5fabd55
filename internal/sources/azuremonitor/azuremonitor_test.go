package azuremonitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglineproject/logline/internal/common/util"
	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

const queuesPath = "/subscriptions/sub-1/resourceGroups/rg-1/providers/Microsoft.ServiceBus/namespaces/ns-1/queues"

func newTestSource(server *httptest.Server) *Source {
	return newWithClient(server.Client(), server.URL, configuration.AzureConfig{
		SubscriptionID: "sub-1",
		ResourceGroup:  "rg-1",
		Namespace:      "ns-1",
		TrailingDays:   4,
	})
}

func TestListQueues_FollowsNextLink(t *testing.T) {
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.String())
		switch {
		case r.URL.Query().Get("skipToken") == "20":
			fmt.Fprint(w, `{"value": [{"name": "audit-log"}]}`)
		default:
			assert.Equal(t, queuesPath, r.URL.Path)
			assert.Equal(t, "2021-11-01", r.URL.Query().Get("api-version"))
			fmt.Fprintf(w, `{
				"value": [{"name": "orders"}, {"name": "billing"}],
				"nextLink": "http://%s%s?api-version=2021-11-01&skipToken=20"
			}`, r.Host, queuesPath)
		}
	}))
	defer server.Close()

	queues, err := newTestSource(server).ListQueues(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "billing", "audit-log"}, queues)
	assert.Len(t, requests, 2)
}

func TestListQueues_NoQueuesIsInvalidEnvironment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": []}`)
	}))
	defer server.Close()

	queues, err := newTestSource(server).ListQueues(context.Background())
	assert.Nil(t, queues)
	assert.True(t, engine.IsInvalidEnvironment(err))
	assert.Contains(t, err.Error(), "ns-1")
}

func TestListQueues_HTTPErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestSource(server).ListQueues(context.Background())
	assert.True(t, engine.IsSourceUnavailable(err))
}

func TestQueryQueue_RequestsDailyTotalsOverTrailingDays(t *testing.T) {
	var request *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		request = r.Clone(context.Background())
		fmt.Fprint(w, `{"value": []}`)
	}))
	defer server.Close()

	source := newTestSource(server)
	source.clock = &util.DummyClock{T: time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)}

	result, err := source.QueryQueue(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, result.Throughput)

	require.NotNil(t, request)
	assert.Equal(t, queuesPath+"/orders/providers/Microsoft.Insights/metrics", request.URL.Path)
	query := request.URL.Query()
	assert.Equal(t, "CompleteMessage", query.Get("metricnames"))
	assert.Equal(t, "P1D", query.Get("interval"))
	assert.Equal(t, "Total", query.Get("aggregation"))
	// Whole UTC days only: today's partial day is excluded.
	assert.Equal(t, "2023-03-11T00:00:00Z/2023-03-15T00:00:00Z", query.Get("timespan"))
}

func TestQueryQueue_PicksBusiestDay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"value": [{
				"timeseries": [{
					"data": [
						{"timeStamp": "2023-03-11T00:00:00Z", "total": 950},
						{"timeStamp": "2023-03-12T00:00:00Z"},
						{"timeStamp": "2023-03-13T00:00:00Z", "total": 4875},
						{"timeStamp": "2023-03-14T00:00:00Z", "total": 1200}
					]
				}]
			}]
		}`)
	}))
	defer server.Close()

	result, err := newTestSource(server).QueryQueue(context.Background(), "orders")
	require.NoError(t, err)

	require.NotNil(t, result.Throughput)
	assert.Equal(t, int64(4875), *result.Throughput)
	assert.Equal(t, "2023-03-13", result.Scope)
}

func TestQueryQueue_HTTPErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestSource(server).QueryQueue(context.Background(), "orders")
	assert.True(t, engine.IsSourceUnavailable(err))
}

func TestQueryQueue_UnreachableServerIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	source := newTestSource(server)
	server.Close()

	_, err := source.QueryQueue(context.Background(), "orders")
	assert.True(t, engine.IsSourceUnavailable(err))
}
