package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/postgres"
)

func postgresCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "postgres",
		Short: "Measure per-table throughput of Postgres queue tables.",
		Long: `Measure per-table throughput of Postgres queue tables by watching the MAX of
each table's sequence column over the observation window. Every table in the
configured schema carrying the sequence column counts as a queue.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := postgres.New(a.Params.Config.Postgres)
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
