package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/rabbitmq"
)

func rabbitmqCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "rabbitmq",
		Short: "Measure per-queue throughput of a RabbitMQ broker.",
		Long: `Measure per-queue throughput of a RabbitMQ broker by watching the management
API's acked-message counters over the observation window. The broker needs
management statistics enabled.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := rabbitmq.New(a.Params.Config.RabbitMQ)
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
