// Package rabbitmq reads per-queue acked-message counters from the RabbitMQ
// management API. The ack counter is monotonic until the broker restarts, so
// the source is volatile and the sampler accumulates it incrementally.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

const (
	// SourceName identifies this source in logs, errors and reports.
	SourceName = "rabbitmq"

	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

type Source struct {
	managementURL string
	username      string
	password      string
	pageSize      int
	client        *http.Client
}

func New(config configuration.RabbitMQConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Source{
		managementURL: strings.TrimRight(config.ManagementURL, "/"),
		username:      config.Username,
		password:      config.Password,
		pageSize:      config.PageSize,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

func (s *Source) Name() string { return SourceName }

// Volatile is true since ack counters restart from zero with the broker.
func (s *Source) Volatile() bool { return true }

// queuePage is one page of GET /api/queues.
type queuePage struct {
	Page      int         `json:"page"`
	PageCount int         `json:"page_count"`
	Items     []queueItem `json:"items"`
}

type queueItem struct {
	Name         string `json:"name"`
	MessageStats *struct {
		Ack *int64 `json:"ack"`
	} `json:"message_stats"`
}

// overview is the subset of GET /api/overview the environment check needs.
type overview struct {
	DisableStats bool `json:"disable_stats"`
	ObjectTotals struct {
		Queues int `json:"queues"`
	} `json:"object_totals"`
}

// CheckEnvironment verifies the management plugin exposes usable statistics.
// A broker with disable_stats set never reports message_stats, and a broker
// with no queues has nothing to sample; both are structural, not transient.
func (s *Source) CheckEnvironment(ctx context.Context) error {
	var o overview
	if err := s.getJSON(ctx, "/api/overview", &o); err != nil {
		return err
	}
	if o.DisableStats {
		return errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: "management statistics are disabled (disable_stats), no ack counters are available",
		})
	}
	if o.ObjectTotals.Queues == 0 {
		return errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: "broker has no queues",
		})
	}
	return nil
}

// GetSnapshot reads the ack counter of every queue, walking the management
// API's pagination. Queues without message_stats (send-only, or stats not yet
// populated) get a nil counter rather than being dropped.
func (s *Source) GetSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	counters := map[string]*int64{}
	for page, pageCount := 1, 1; page <= pageCount; page++ {
		var p queuePage
		path := fmt.Sprintf("/api/queues?page=%d&page_size=%d&columns=name,message_stats.ack", page, s.pageSize)
		if err := s.getJSON(ctx, path, &p); err != nil {
			return nil, err
		}
		for _, item := range p.Items {
			if item.MessageStats == nil || item.MessageStats.Ack == nil {
				counters[item.Name] = nil
				continue
			}
			ack := *item.MessageStats.Ack
			counters[item.Name] = &ack
		}
		pageCount = p.PageCount
	}
	return &engine.Snapshot{CapturedAt: time.Now(), Counters: counters}, nil
}

// getJSON fetches one management API path into out, absorbing transient
// failures with quick retries.
func (s *Source) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(
		func() error {
			return s.getJSONOnce(ctx, path, out)
		},
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (s *Source) getJSONOnce(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.managementURL+path, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.SetBasicAuth(s.username, s.password)

	resp, err := s.client.Do(req)
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
	// Drain so the connection can be reused across pagination calls.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
