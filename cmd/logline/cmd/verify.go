package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loglineproject/logline/internal/logline"
)

func verifyCmd() *cobra.Command {
	a := logline.New()
	cmd := &cobra.Command{
		Use:   "verify <report.json>",
		Short: "Verify a report's signature against the configured public key.",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Verify(args[0])
		},
	}
	return cmd
}
