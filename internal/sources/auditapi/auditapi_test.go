package auditapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := New(configuration.AuditConfig{
		URL:            server.URL,
		PageSize:       10,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestEndpoints_ListsNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/endpoints", r.URL.Path)
		fmt.Fprint(w, `[{"name": "sales"}, {"name": "billing"}, {"name": ""}]`)
	}))
	defer server.Close()

	endpoints, err := newTestClient(t, server).Endpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sales", "billing"}, endpoints)
}

func TestEndpoints_NoneIsInvalidEnvironment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	endpoints, err := newTestClient(t, server).Endpoints(context.Background())
	assert.Nil(t, endpoints)
	assert.True(t, engine.IsInvalidEnvironment(err))
}

func TestGetPage_RequestsReverseChronologicalPages(t *testing.T) {
	var request *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		request = r.Clone(context.Background())
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	log := newTestClient(t, server).EndpointLog("sales")
	_, err := log.GetPage(context.Background(), 3, 50)
	require.NoError(t, err)

	require.NotNil(t, request)
	assert.Equal(t, "/endpoints/sales/messages", request.URL.Path)
	query := request.URL.Query()
	assert.Equal(t, "3", query.Get("page"))
	assert.Equal(t, "50", query.Get("per_page"))
	assert.Equal(t, "processed_at", query.Get("sort"))
	assert.Equal(t, "desc", query.Get("direction"))
}

func TestGetPage_ParsesProcessedTimestamps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"processed_at": "2023-03-15T12:00:00Z"},
			{"processed_at": "2023-03-15T11:58:30Z"},
			{"processed_at": "2023-03-15T11:51:02Z"}
		]`)
	}))
	defer server.Close()

	stamps, err := newTestClient(t, server).EndpointLog("sales").GetPage(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2023, 3, 15, 11, 58, 30, 0, time.UTC),
		time.Date(2023, 3, 15, 11, 51, 2, 0, time.UTC),
	}, stamps)
}

func TestGetPage_PastEndOfHistoryIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	stamps, err := newTestClient(t, server).EndpointLog("sales").GetPage(context.Background(), 99, 10)
	require.NoError(t, err)
	assert.Empty(t, stamps)
}

func TestGetPage_ServerErrorIsUnavailableAfterRetries(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).EndpointLog("sales").GetPage(context.Background(), 1, 10)
	assert.True(t, engine.IsSourceUnavailable(err))
	assert.Equal(t, retryAttempts, calls)
}

func TestGetPage_MalformedJSONIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not": "an array"`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).EndpointLog("sales").GetPage(context.Background(), 1, 10)
	assert.True(t, engine.IsSourceUnavailable(err))
}

// Serves a 25-message history, one message a minute, and checks the
// estimator counts it exactly through the HTTP seam.
func TestEndpointLog_CountSinceWalksPagedHistory(t *testing.T) {
	newest := time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC)
	history := make([]time.Time, 25)
	for i := range history {
		history[i] = newest.Add(-time.Duration(i) * time.Minute)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		first := (page - 1) * perPage
		var records []map[string]string
		for i := first; i < first+perPage && i < len(history); i++ {
			records = append(records, map[string]string{"processed_at": history[i].Format(time.RFC3339)})
		}
		require.NoError(t, json.NewEncoder(w).Encode(records))
	}))
	defer server.Close()

	estimator, err := engine.NewEstimator(newTestClient(t, server).EndpointLog("sales"), 10)
	require.NoError(t, err)

	count, err := estimator.CountSince(context.Background(), newest.Add(-12*time.Minute-30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, count)
	assert.Equal(t, int64(13), *count)
}
