// Package auditapi reads a ServiceControl-style audit instance: per-endpoint
// reverse-chronological message logs served over paginated HTTP. There is no
// counter to sample, so the engine's estimator counts records newer than the
// window cutoff straight off the pages.
package auditapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

const (
	// SourceName identifies this source in logs, errors and reports.
	SourceName = "audit"

	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// Client talks to one audit instance.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(config configuration.AuditConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.URL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type endpointItem struct {
	Name string `json:"name"`
}

// Endpoints returns the names of every endpoint the audit instance has seen
// messages for. An instance that knows no endpoints has nothing to measure.
func (c *Client) Endpoints(ctx context.Context) ([]string, error) {
	var items []endpointItem
	if err := c.getJSON(ctx, "/endpoints", &items); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	if len(names) == 0 {
		return nil, errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: "the audit instance reports no endpoints",
		})
	}
	return names, nil
}

// EndpointLog returns the endpoint's processed-message history as a paged
// log for the estimator.
func (c *Client) EndpointLog(endpoint string) *EndpointLog {
	return &EndpointLog{client: c, endpoint: endpoint}
}

// EndpointLog serves one endpoint's audit records, newest first.
type EndpointLog struct {
	client   *Client
	endpoint string
}

func (l *EndpointLog) Name() string { return SourceName }

// message carries only the processing timestamp; nothing else on the audit
// record matters for counting.
type message struct {
	ProcessedAt time.Time `json:"processed_at"`
}

// GetPage fetches one page of the endpoint's messages, newest first. Pages
// past the end of the history come back empty.
func (l *EndpointLog) GetPage(ctx context.Context, pageIndex, pageSize int) ([]time.Time, error) {
	path := fmt.Sprintf("/endpoints/%s/messages?page=%d&per_page=%d&sort=processed_at&direction=desc",
		url.PathEscape(l.endpoint), pageIndex, pageSize)

	var messages []message
	if err := l.client.getJSON(ctx, path, &messages); err != nil {
		return nil, err
	}

	stamps := make([]time.Time, len(messages))
	for i, m := range messages {
		stamps[i] = m.ProcessedAt
	}
	return stamps, nil
}

// getJSON fetches one audit API path into out, absorbing transient failures
// with quick retries.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(
		func() error {
			return c.getJSONOnce(ctx, path, out)
		},
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (c *Client) getJSONOnce(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s", path),
			Err:     err,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s returned %s", path, resp.Status),
		})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: fmt.Sprintf("GET %s returned malformed JSON", path),
			Err:     err,
		})
	}
	// Drain so the connection can be reused across page fetches.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
