package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <subject>",
	Short: "Push every document of a subject to the external memory sink again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			report, err := rt.service.Resync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			fmt.Printf("pushed: %s\n", strings.Join(report.Pushed, ", "))
			if len(report.Queued) > 0 {
				fmt.Printf("still degraded: %s\n", strings.Join(report.Queued, ", "))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
