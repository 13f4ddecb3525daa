package main

import (
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	outputFmt   string
	bearerToken string
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "CLI for the identity bridge server",
	Long: `bridgectl talks to a running bridge server: attest subjects, validate
and revoke tokens, manage watched actors and succession plans, and list
bridge events.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Bridge server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "Operator bearer token (defaults to BRIDGE_TOKEN env)")

	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(actorCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(healthCmd)
}
