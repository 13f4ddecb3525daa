package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	planPredecessor string
	planSuccessor   string
	planAddress     string
	planProvider    string
	planEvidence    string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage succession plans",
}

var planCreateCmd = &cobra.Command{
	Use:   "create <actorId>",
	Short: "Create a succession plan for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"actorId":            args[0],
			"predecessorSubject": planPredecessor,
			"successorSubject":   planSuccessor,
			"successorAddress":   planAddress,
			"provider":           planProvider,
		}
		if planEvidence != "" {
			var evidence map[string]any
			if err := json.Unmarshal([]byte(planEvidence), &evidence); err != nil {
				return fmt.Errorf("invalid evidence JSON: %w", err)
			}
			body["evidence"] = evidence
		}
		result, err := newClient().post(apiBase+"/plans", body)
		if err != nil {
			return err
		}
		return printPlan(result)
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get <actorId>",
	Short: "Show an actor's succession plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().get(apiBase + "/plans/" + args[0])
		if err != nil {
			return err
		}
		return printPlan(result)
	},
}

var planDeleteCmd = &cobra.Command{
	Use:   "delete <actorId>",
	Short: "Delete an actor's succession plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().delete(apiBase + "/plans/" + args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted plan for %s\n", args[0])
		return nil
	},
}

func printPlan(result map[string]any) error {
	if outputFmt == "json" {
		return printJSON(result)
	}
	printTable(
		[]string{"Actor", "Predecessor", "Successor", "Provider", "Executed"},
		[][]string{{
			str(result, "actorId"),
			str(result, "predecessorSubject"),
			str(result, "successorSubject"),
			str(result, "provider"),
			str(result, "executedAt"),
		}},
	)
	return nil
}

func init() {
	planCreateCmd.Flags().StringVar(&planPredecessor, "predecessor", "", "Predecessor subject reference (required)")
	planCreateCmd.Flags().StringVar(&planSuccessor, "successor", "", "Successor subject reference (required)")
	planCreateCmd.Flags().StringVar(&planAddress, "address", "", "Successor owner address")
	planCreateCmd.Flags().StringVar(&planProvider, "provider", "mock", "Verification provider for the successor")
	planCreateCmd.Flags().StringVar(&planEvidence, "evidence", "", "Successor evidence as a JSON object")
	_ = planCreateCmd.MarkFlagRequired("predecessor")
	_ = planCreateCmd.MarkFlagRequired("successor")

	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planGetCmd)
	planCmd.AddCommand(planDeleteCmd)
}
