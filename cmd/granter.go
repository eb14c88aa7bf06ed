package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/granter/cmd/identities"
	"github.com/stephnangue/granter/cmd/mint"
)

var granterCmd = &cobra.Command{
	Use:   "granter",
	Short: "Granter is a credential and session broker for Google API modules",
	Long: `Granter acquires, caches, refreshes, and scopes short-lived access
credentials on behalf of independent API-client modules, enforcing per-service
rate limits and backing off on transient authorization failures.`,
}

func Execute() {
	if err := granterCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	granterCmd.AddCommand(identities.IdentitiesCmd)
	granterCmd.AddCommand(mint.MintCmd)
}
