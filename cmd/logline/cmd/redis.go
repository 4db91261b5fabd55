package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/redisq"
)

func redisCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Measure per-queue throughput of a Resque-style Redis queue system.",
		Long: `Measure per-queue throughput of a Resque-style Redis queue system by watching
the processed-counter keys of every queue registered in the queue set over
the observation window.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := redisq.New(a.Params.Config.Redis)
			if err != nil {
				return err
			}
			shutdownMetrics := common.ServeMetrics(a.Params.Config.MetricsPort)
			defer shutdownMetrics()
			return a.RunCounterSource(app.CreateContextWithShutdown(), source)
		},
	}
	return cmd
}
