package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	attestOwner    string
	attestProvider string
	attestEvidence string
)

var attestCmd = &cobra.Command{
	Use:   "attest <subjectRef>",
	Short: "Run the attestation flow for a subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttest,
}

func init() {
	attestCmd.Flags().StringVar(&attestOwner, "owner", "", "Owner address for the badge (required)")
	attestCmd.Flags().StringVar(&attestProvider, "provider", "mock", "Verification provider name")
	attestCmd.Flags().StringVar(&attestEvidence, "evidence", "", "Evidence as a JSON object")
	_ = attestCmd.MarkFlagRequired("owner")
}

func runAttest(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"subjectRef":   args[0],
		"ownerAddress": attestOwner,
		"provider":     attestProvider,
	}
	if attestEvidence != "" {
		var evidence map[string]any
		if err := json.Unmarshal([]byte(attestEvidence), &evidence); err != nil {
			return fmt.Errorf("invalid evidence JSON: %w", err)
		}
		body["evidence"] = evidence
	}

	result, err := newClient().post(apiBase+"/attest", body)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return printJSON(result)
	}

	rows := [][]string{{"State", str(result, "state")}}
	if id := str(result, "identifier"); id != "" {
		rows = append(rows, []string{"Identifier", id})
	}
	if token, ok := result["token"].(map[string]any); ok {
		rows = append(rows,
			[]string{"Token ID", str(token, "id")},
			[]string{"Expires", str(token, "expiresAt")},
		)
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}
