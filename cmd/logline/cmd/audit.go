package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/common"
	"github.com/loglineproject/logline/internal/common/app"
	"github.com/loglineproject/logline/internal/logline"
	"github.com/loglineproject/logline/internal/sources/auditapi"
)

func auditCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Estimate per-endpoint throughput from an audit message log.",
		Long: `Estimate per-endpoint throughput by walking each endpoint's paged audit
message log backwards from now across the observation window. The walk
binary-searches the log, so long windows stay cheap even on busy endpoints.`,
		Args: cobra.ExactArgs(0),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initRunParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := auditapi.New(a.Params.Config.Audit)
			if err != nil {
				return err
			}
			shutdownMetrics := common.ServeMetrics(a.Params.Config.MetricsPort)
			defer shutdownMetrics()
			return a.RunAudit(app.CreateContextWithShutdown(), client)
		},
	}
	return cmd
}
