package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type LoglineConfig struct {
	// CustomerIdentifier is stamped into every report so receivers can tell
	// whose infrastructure was measured.
	CustomerIdentifier string
	// WindowDuration is the length of the observation window. Minutes are
	// accepted for trial runs, up to a full day for production measurements.
	WindowDuration time.Duration
	// OutputDirectory receives the report files. Defaults to the working
	// directory; a leading ~ is expanded.
	OutputDirectory string
	// QueueFilterFile optionally names a YAML file listing the only queues to
	// report on. Empty means every discovered queue.
	QueueFilterFile string
	// MetricsPort serves Prometheus metrics during a run. 0 disables them.
	MetricsPort uint16

	Sampling SamplingConfig
	Report   ReportConfig

	RabbitMQ   RabbitMQConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Cloudwatch CloudwatchConfig
	Azure      AzureConfig
	Audit      AuditConfig
}

type SamplingConfig struct {
	// PollInterval is how often the sampler wakes to check for cancellation
	// and the window deadline.
	PollInterval time.Duration
	// ResampleInterval is how often volatile counters are re-read mid-window.
	ResampleInterval time.Duration
	// SnapshotRetryInterval is the pause between failed snapshot passes.
	SnapshotRetryInterval time.Duration
	// GraceTimeout bounds the final best-effort snapshot after cancellation.
	GraceTimeout time.Duration
	// FailureThreshold halts a source after this many consecutive failed
	// passes. 0 selects the engine default.
	FailureThreshold int
	// MaxInFlightQueries bounds fan-out concurrency per source.
	MaxInFlightQueries int
	// QueriesPerSecond rate-limits fan-out queries against metered APIs.
	// 0 disables rate limiting.
	QueriesPerSecond float64
	// QueryTimeout bounds each individual fan-out query.
	QueryTimeout time.Duration
}

type ReportConfig struct {
	// PrivateKeyFile is a PEM-encoded RSA key used to sign reports. Reports
	// are written unsigned if empty.
	PrivateKeyFile string
	// PublicKeyFile is a PEM-encoded RSA public key used by report
	// verification.
	PublicKeyFile string
}

type RabbitMQConfig struct {
	// ManagementURL is the root of the management API, e.g.
	// http://localhost:15672. Credentials go in Username and Password, not
	// in the URL.
	ManagementURL string
	Username      string
	Password      string
	// PageSize is the management API page size when listing queues.
	PageSize int
	// RequestTimeout bounds each management API call.
	RequestTimeout time.Duration
}

type PostgresConfig struct {
	// Connection holds libpq-style key/value connection parameters,
	// e.g. host, port, user, password, dbname, sslmode.
	Connection map[string]string
	// Schema containing the queue tables.
	Schema string
	// SequenceColumn is the monotonically increasing column identifying a
	// table as a queue table; its MAX is the table's counter.
	SequenceColumn string
}

type RedisConfig struct {
	Connection redis.UniversalOptions
	// KeyPrefix namespaces the Resque-convention keys, e.g. "resque" for
	// resque:queues and resque:stat:processed:<queue>.
	KeyPrefix string
}

type CloudwatchConfig struct {
	// Region overrides the SDK default region resolution if set.
	Region string
	// TrailingDays is how many trailing UTC days of daily metric sums to
	// inspect; the maximum becomes the queue's throughput.
	TrailingDays int
}

type AzureConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	SubscriptionID string
	ResourceGroup  string
	// Namespace is the Service Bus namespace holding the queues.
	Namespace string
	// TrailingDays is how many trailing UTC days of daily metric totals to
	// inspect; the maximum becomes the queue's throughput.
	TrailingDays int
	// ManagementURL overrides the Azure Resource Manager endpoint, used for
	// sovereign clouds.
	ManagementURL string
}

type AuditConfig struct {
	// URL is the root of the audit HTTP API exposing /endpoints and
	// /endpoints/{name}/messages.
	URL string
	// PageSize is the per_page value for message log pages.
	PageSize int
	// RequestTimeout bounds each audit API call.
	RequestTimeout time.Duration
}
