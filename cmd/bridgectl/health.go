package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check bridge server health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		result, err := newClient().get("/healthz")
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		if outputFmt == "json" {
			return printJSON(result)
		}
		printTable([]string{"Status", "Uptime"}, [][]string{{str(result, "status"), str(result, "uptime")}})
		return nil
	},
}
