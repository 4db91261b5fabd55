package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	"github.com/loglineproject/logline/internal/common/logging"
)

const baseConfigFileName = "config"

// LoadConfig reads config.yaml from defaultPath, merges any override config
// files on top, applies LOGLINE_* environment variables and unmarshals the
// result into config. The base config may be absent; override files must
// exist.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) error {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		switch err.(type) {
		case viper.ConfigFileNotFoundError:
			// No base config is fine: override files, environment variables
			// and flags can carry the whole configuration.
		default:
			return errors.Wrapf(err, "reading config from %s", defaultPath)
		}
	}

	for _, overrideConfig := range overrideConfigs {
		if overrideConfig == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "merging config file %s", overrideConfig)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("LOGLINE")
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return errors.Wrap(err, "unmarshalling config")
	}
	return nil
}

// ConfigureLogging sets up the global logger from the LOG_LEVEL and
// LOG_FORMAT environment variables. Measurement runs switch to this before
// starting; everything else receives a *logrus.Entry.
func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(readEnvironmentLogFormat())
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging prints bare messages, for commands whose
// output is meant to be read directly by a person.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&logging.CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

func readEnvironmentLogLevel() log.Level {
	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if logLevel, err := log.ParseLevel(level); err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

func readEnvironmentLogFormat() log.Formatter {
	format, ok := os.LookupEnv("LOG_FORMAT")
	if !ok {
		format = "colourful"
	}
	switch strings.ToLower(format) {
	case "json":
		return &log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.999Z07:00"}
	case "colourful":
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.999Z07:00"}
	case "text":
		return &log.TextFormatter{DisableColors: true, FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.999Z07:00"}
	default:
		fmt.Fprintf(os.Stderr, "unknown log format %q, defaulting to colourful\n", format)
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.999Z07:00"}
	}
}

// ServeMetrics exposes the default Prometheus gatherer on /metrics for the
// duration of a run and hooks log-line counts into it. A port of zero
// disables the server. The returned function shuts the server down.
func ServeMetrics(port uint16) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	hook := promrus.MustNewPrometheusHook()
	log.AddHook(hook)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return serve(fmt.Sprintf(":%d", port), mux)
}

func serve(address string, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    address,
		Handler: mux,
	}
	go func() {
		log.Infof("Starting http server listening on %s", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("failed to shut down http server cleanly")
		}
	}
}
