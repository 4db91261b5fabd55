package rabbitmq

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

func newTestSource(t *testing.T, handler http.Handler) (*Source, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source, err := New(configuration.RabbitMQConfig{
		ManagementURL:  server.URL,
		Username:       "guest",
		Password:       "guest",
		PageSize:       2,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return source, server
}

func TestGetSnapshot_WalksPagination(t *testing.T) {
	pages := map[string]string{
		"1": `{"page":1,"page_count":2,"items":[
			{"name":"orders","message_stats":{"ack":120}},
			{"name":"billing","message_stats":{"ack":7}}]}`,
		"2": `{"page":2,"page_count":2,"items":[
			{"name":"audit","message_stats":{"ack":0}}]}`,
	}
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/queues", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "guest", user)
		require.Equal(t, "guest", pass)
		require.Equal(t, "2", r.URL.Query().Get("page_size"))
		fmt.Fprint(w, pages[r.URL.Query().Get("page")])
	}))

	snapshot, err := source.GetSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Counters, 3)
	require.NotNil(t, snapshot.Counters["orders"])
	assert.Equal(t, int64(120), *snapshot.Counters["orders"])
	require.NotNil(t, snapshot.Counters["audit"])
	assert.Equal(t, int64(0), *snapshot.Counters["audit"])
}

func TestGetSnapshot_QueueWithoutStatsGetsNilCounter(t *testing.T) {
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"page":1,"page_count":1,"items":[
			{"name":"send-only"},
			{"name":"no-acks","message_stats":{}},
			{"name":"active","message_stats":{"ack":42}}]}`)
	}))

	snapshot, err := source.GetSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Counters, 3)
	counter, present := snapshot.Counters["send-only"]
	assert.True(t, present)
	assert.Nil(t, counter)
	assert.Nil(t, snapshot.Counters["no-acks"])
	require.NotNil(t, snapshot.Counters["active"])
	assert.Equal(t, int64(42), *snapshot.Counters["active"])
}

func TestGetSnapshot_ServerErrorIsSourceUnavailable(t *testing.T) {
	var calls int
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))

	_, err := source.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsSourceUnavailable(err))
	// Transient failures are retried a few times before giving up.
	assert.Equal(t, retryAttempts, calls)
}

func TestGetSnapshot_MalformedJSONIsSourceUnavailable(t *testing.T) {
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))

	_, err := source.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsSourceUnavailable(err))
}

func TestGetSnapshot_RecoversWithinRetryBudget(t *testing.T) {
	var calls int
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"page":1,"page_count":1,"items":[{"name":"orders","message_stats":{"ack":9}}]}`)
	}))

	snapshot, err := source.GetSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snapshot.Counters["orders"])
	assert.Equal(t, int64(9), *snapshot.Counters["orders"])
}

func TestCheckEnvironment_StatsDisabled(t *testing.T) {
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/overview", r.URL.Path)
		fmt.Fprint(w, `{"disable_stats":true,"object_totals":{"queues":12}}`)
	}))

	err := source.CheckEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsInvalidEnvironment(err))
	assert.Contains(t, err.Error(), "disable_stats")
}

func TestCheckEnvironment_NoQueues(t *testing.T) {
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"disable_stats":false,"object_totals":{"queues":0}}`)
	}))

	err := source.CheckEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsInvalidEnvironment(err))
}

func TestCheckEnvironment_HealthyBroker(t *testing.T) {
	source, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"disable_stats":false,"object_totals":{"queues":3}}`)
	}))
	assert.NoError(t, source.CheckEnvironment(context.Background()))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(configuration.RabbitMQConfig{ManagementURL: "not-a-url", PageSize: 500})
	assert.Error(t, err)
}
