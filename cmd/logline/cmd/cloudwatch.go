package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/cloudwatch"
)

func cloudwatchCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "cloudwatch",
		Short: "Report per-queue SQS throughput from CloudWatch daily metric sums.",
		Long: `Report per-queue SQS throughput by fanning one CloudWatch query out per queue
and taking each queue's busiest day of NumberOfMessagesDeleted across the
trailing days. Credentials and region follow the AWS SDK's default resolution
unless overridden in configuration.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			shutdownMetrics := common.ServeMetrics(a.Params.Config.MetricsPort)
			defer shutdownMetrics()
			ctx := app.CreateContextWithShutdown()
			source, err := cloudwatch.New(ctx, a.Params.Config.Cloudwatch)
			if err != nil {
				return err
			}
			return a.RunFanOut(ctx, source)
		},
	}
	return cmd
}
