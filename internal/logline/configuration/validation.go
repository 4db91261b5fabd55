package configuration

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	MinWindowDuration     = time.Minute
	MaxWindowDuration     = 24 * time.Hour
	DefaultWindowDuration = 24 * time.Hour

	DefaultMaxInFlightQueries = 10
	DefaultQueryTimeout       = 30 * time.Second
)

// ApplyDefaults fills the documented defaults into settings left unset, so a
// run can be configured entirely through flags and environment variables.
func (c *LoglineConfig) ApplyDefaults() {
	if c.WindowDuration == 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.Sampling.MaxInFlightQueries == 0 {
		c.Sampling.MaxInFlightQueries = DefaultMaxInFlightQueries
	}
	if c.Sampling.QueryTimeout == 0 {
		c.Sampling.QueryTimeout = DefaultQueryTimeout
	}
}

// Validate checks the settings every run needs, regardless of source kind.
func (c *LoglineConfig) Validate() error {
	if c.WindowDuration < MinWindowDuration || c.WindowDuration > MaxWindowDuration {
		return errors.Errorf(
			"window duration must be between %s and %s, got %s",
			MinWindowDuration, MaxWindowDuration, c.WindowDuration)
	}
	if c.Sampling.MaxInFlightQueries <= 0 {
		return errors.New("sampling.maxInFlightQueries must be positive")
	}
	if c.Sampling.QueryTimeout <= 0 {
		return errors.New("sampling.queryTimeout must be positive")
	}
	return nil
}

func (c RabbitMQConfig) Validate() error {
	if err := validateURL(c.ManagementURL); err != nil {
		return errors.WithMessage(err, "rabbitmq.managementUrl")
	}
	if c.PageSize <= 0 {
		return errors.New("rabbitmq.pageSize must be positive")
	}
	return nil
}

func (c PostgresConfig) Validate() error {
	if len(c.Connection) == 0 {
		return errors.New("postgres.connection must not be empty")
	}
	if c.Schema == "" {
		return errors.New("postgres.schema must not be empty")
	}
	if c.SequenceColumn == "" {
		return errors.New("postgres.sequenceColumn must not be empty")
	}
	return nil
}

func (c RedisConfig) Validate() error {
	if len(c.Connection.Addrs) == 0 {
		return errors.New("redis.connection.addrs must not be empty")
	}
	if c.KeyPrefix == "" {
		return errors.New("redis.keyPrefix must not be empty")
	}
	return nil
}

func (c CloudwatchConfig) Validate() error {
	if c.TrailingDays <= 0 {
		return errors.New("cloudwatch.trailingDays must be positive")
	}
	return nil
}

func (c AzureConfig) Validate() error {
	for name, value := range map[string]string{
		"azure.tenantId":       c.TenantID,
		"azure.clientId":       c.ClientID,
		"azure.clientSecret":   c.ClientSecret,
		"azure.subscriptionId": c.SubscriptionID,
		"azure.resourceGroup":  c.ResourceGroup,
		"azure.namespace":      c.Namespace,
	} {
		if value == "" {
			return errors.Errorf("%s must not be empty", name)
		}
	}
	if c.TrailingDays <= 0 {
		return errors.New("azure.trailingDays must be positive")
	}
	return nil
}

func (c AuditConfig) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return errors.WithMessage(err, "audit.url")
	}
	if c.PageSize <= 0 {
		return errors.New("audit.pageSize must be positive")
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.WithStack(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}
