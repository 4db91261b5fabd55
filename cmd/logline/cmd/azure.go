package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/azuremonitor"
)

func azureCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "azure",
		Short: "Report per-queue Service Bus throughput from Azure Monitor daily totals.",
		Long: `Report per-queue Service Bus throughput by fanning one Azure Monitor query out
per queue and taking each queue's busiest day of CompleteMessage totals across
the trailing days. Authentication uses client credentials against the
configured tenant.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			shutdownMetrics := common.ServeMetrics(a.Params.Config.MetricsPort)
			defer shutdownMetrics()
			ctx := app.CreateContextWithShutdown()
			source, err := azuremonitor.New(ctx, a.Params.Config.Azure)
			if err != nil {
				return err
			}
			return a.RunFanOut(ctx, source)
		},
	}
	return cmd
}
