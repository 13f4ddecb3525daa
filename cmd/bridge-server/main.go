// Package main provides the identity bridge server entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bridge-server",
	Short: "Identity attestation and continuity server",
	Long: `bridge-server runs the identity bridge: verification-backed identifier
assignment, attestation token issuance and validation, heartbeat-driven
inactivity detection, and succession handover.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/config/bridge.yaml", "Path to the bridge config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
