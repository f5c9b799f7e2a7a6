package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"tether/internal/engine"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key for server.stateKey or server.callerJWTSecret",
		Long: `Print a random base64 encoded 32 byte key.

Use it for server.stateKey, which seals pending sign-ins, and for
server.callerJWTSecret. Every backend replica must share the same values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func generateKey() (string, error) {
	buf := make([]byte, engine.SealedKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
