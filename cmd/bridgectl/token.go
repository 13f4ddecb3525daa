package main

import (
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Validate and revoke attestation tokens",
}

var tokenValidateCmd = &cobra.Command{
	Use:   "validate <tokenId>",
	Short: "Validate an attestation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().post(apiBase+"/tokens/"+args[0]+":validate", nil)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(result)
		}
		rows := [][]string{{"Valid", str(result, "valid")}}
		if code := str(result, "code"); code != "" {
			rows = append(rows, []string{"Code", code})
		}
		if id := str(result, "identifier"); id != "" {
			rows = append(rows,
				[]string{"Identifier", id},
				[]string{"Subject", str(result, "subjectAddress")},
				[]string{"Expires", str(result, "expiresAt")},
			)
		}
		printTable([]string{"Field", "Value"}, rows)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <tokenId>",
	Short: "Revoke an attestation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().post(apiBase+"/tokens/"+args[0]+":revoke", nil)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return printJSON(result)
		}
		printTable([]string{"Token", "Status"}, [][]string{{str(result, "tokenId"), str(result, "status")}})
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenValidateCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
