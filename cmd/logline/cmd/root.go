package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/logline"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logline",
		Short: "logline measures per-queue message throughput and writes signed JSON reports.",
		Long: `logline measures per-queue message throughput and writes signed JSON reports.

Counter sources (rabbitmq, postgres, redis) are watched live over the
configured observation window. Metrics sources (cloudwatch, azure) and the
audit message log are read retrospectively and finish as fast as the API
allows.

Configuration is read from config/logline/config.yaml, overridden by a
--config file, LOGLINE_* environment variables and flags.`,
	}

	cmd.PersistentFlags().String("config", "", "Config file merged over the base configuration.")
	cmd.PersistentFlags().Duration("window", 0, "Observation window length, 1m to 24h (default 24h).")
	cmd.PersistentFlags().String("output-dir", "", "Directory the report is written to (default working directory).")
	cmd.PersistentFlags().Uint16("metrics-port", 0, "Port serving Prometheus metrics while a run is active, 0 disables them.")

	cmd.AddCommand(
		rabbitmqCmd(),
		postgresCmd(),
		redisCmd(),
		cloudwatchCmd(),
		azureCmd(),
		auditCmd(),
		verifyCmd(),
		versionCmd(),
	)

	return cmd
}

// initParams loads configuration into a.Params and applies flag overrides.
func initParams(cmd *cobra.Command, a *logline.App) error {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return errors.WithStack(err)
	}
	var overrides []string
	if configFile != "" {
		overrides = append(overrides, configFile)
	}
	if err := common.LoadConfig(a.Params.Config, "./config/logline", overrides); err != nil {
		return err
	}

	config := a.Params.Config
	flags := cmd.Flags()
	if flags.Changed("window") {
		if config.WindowDuration, err = flags.GetDuration("window"); err != nil {
			return errors.WithStack(err)
		}
	}
	if flags.Changed("output-dir") {
		if config.OutputDirectory, err = flags.GetString("output-dir"); err != nil {
			return errors.WithStack(err)
		}
	}
	if flags.Changed("metrics-port") {
		if config.MetricsPort, err = flags.GetUint16("metrics-port"); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// initRunParams additionally defaults and validates the settings every
// measurement run needs, and switches to timestamped logging since runs can
// last a full day. verify and version stay usable with a minimal config.
func initRunParams(cmd *cobra.Command, a *logline.App) error {
	common.ConfigureLogging()
	if err := initParams(cmd, a); err != nil {
		return err
	}
	a.Params.Config.ApplyDefaults()
	return a.Params.Config.Validate()
}
