package main

import (
	"github.com/spf13/cobra"
)

var actorThresholdSeconds int64

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Manage watched actors and heartbeats",
}

var actorRegisterCmd = &cobra.Command{
	Use:   "register <actorId>",
	Short: "Register an actor for inactivity watching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().post(apiBase+"/actors", map[string]any{
			"actorId":          args[0],
			"thresholdSeconds": actorThresholdSeconds,
		})
		if err != nil {
			return err
		}
		return printActor(result)
	},
}

var actorGetCmd = &cobra.Command{
	Use:   "get <actorId>",
	Short: "Show an actor's heartbeat state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().get(apiBase + "/actors/" + args[0])
		if err != nil {
			return err
		}
		return printActor(result)
	},
}

var actorHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <actorId>",
	Short: "Record a liveness signal for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().post(apiBase+"/actors/"+args[0]+"/heartbeat", nil)
		if err != nil {
			return err
		}
		return printActor(result)
	},
}

var actorEvaluateCmd = &cobra.Command{
	Use:   "evaluate <actorId>",
	Short: "Evaluate an actor for inactivity now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().post(apiBase+"/actors/"+args[0]+":evaluate", nil)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(result)
		}
		printTable([]string{"Actor", "Triggered"}, [][]string{{str(result, "actorId"), str(result, "triggered")}})
		return nil
	},
}

func printActor(result map[string]any) error {
	if outputFmt == "json" {
		return printJSON(result)
	}
	printTable(
		[]string{"Actor", "Last Seen", "Threshold(s)", "State", "Episodes"},
		[][]string{{
			str(result, "actorId"),
			str(result, "lastSeenAt"),
			str(result, "thresholdSeconds"),
			str(result, "escalationState"),
			str(result, "episodeCount"),
		}},
	)
	return nil
}

func init() {
	actorRegisterCmd.Flags().Int64Var(&actorThresholdSeconds, "threshold", 3600, "Inactivity threshold in seconds")

	actorCmd.AddCommand(actorRegisterCmd)
	actorCmd.AddCommand(actorGetCmd)
	actorCmd.AddCommand(actorHeartbeatCmd)
	actorCmd.AddCommand(actorEvaluateCmd)
}
