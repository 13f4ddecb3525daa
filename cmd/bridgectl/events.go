package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	eventsType      string
	eventsActor     string
	eventsPageSize  int
	eventsPageToken string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List bridge events",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type")
	eventsCmd.Flags().StringVar(&eventsActor, "actor", "", "Filter by actor ID")
	eventsCmd.Flags().IntVar(&eventsPageSize, "page-size", 20, "Page size")
	eventsCmd.Flags().StringVar(&eventsPageToken, "page-token", "", "Page token from a previous listing")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	query := url.Values{}
	if eventsType != "" {
		query.Set("type", eventsType)
	}
	if eventsActor != "" {
		query.Set("actor", eventsActor)
	}
	query.Set("pageSize", fmt.Sprintf("%d", eventsPageSize))
	if eventsPageToken != "" {
		query.Set("pageToken", eventsPageToken)
	}

	result, err := newClient().get(apiBase + "/events?" + query.Encode())
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return printJSON(result)
	}

	items, _ := result["events"].([]any)
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		event, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, []string{
			str(event, "createdAt"),
			str(event, "type"),
			str(event, "actorId"),
			str(event, "identifier"),
			str(event, "tokenId"),
		})
	}
	printTable([]string{"Time", "Type", "Actor", "Identifier", "Token"}, rows)

	if next := str(result, "nextPageToken"); next != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "next page token: %s\n", next)
	}
	return nil
}
