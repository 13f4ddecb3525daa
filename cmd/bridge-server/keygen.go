package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/decentid/identity-bridge/pkg/signature"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 signing keypair",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "bridge-signing.pem", "Output path for the PKCS#8 PEM private key")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	svc, err := signature.Generate()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	if err := svc.SaveToFile(keygenOut); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	pubOut := keygenOut + ".pub"
	if err := svc.SavePublicKeyToFile(pubOut); err != nil {
		return fmt.Errorf("save public key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote private key to %s\n", keygenOut)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote public key to %s\n", pubOut)
	fmt.Fprintf(cmd.OutOrStdout(), "public key (base64): %s\n",
		base64.StdEncoding.EncodeToString(svc.PublicKey()))
	return nil
}
