package mint

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/granter/cmd/helpers"
)

var (
	configPath string
	scopes     []string
	service    string

	MintCmd = &cobra.Command{
		Use:           "mint <identity>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		Short:         "Acquire a token through the broker and print its metadata",
		Long: `
Acquires a token for the given identity through the session broker, exactly
as a service module would. The token value itself is not printed; only its
fingerprint and lifetime.

Usage:
  $ granter mint sheets-reader --config=granter.hcl \
      --scope=https://www.googleapis.com/auth/spreadsheets.readonly \
      --service=sheets
`,
		RunE: run,
	}
)

func init() {
	MintCmd.Flags().StringVar(&configPath, "config", "", "Path to the granter configuration file")
	MintCmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope to request (repeatable)")
	MintCmd.Flags().StringVar(&service, "service", "", "Service name for rate-limit accounting")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(configPath)
	if err != nil {
		return err
	}

	runtime, err := helpers.BuildRuntime(cfg)
	if err != nil {
		return err
	}
	defer runtime.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	token, err := runtime.Broker.Acquire(ctx, args[0], scopes, service)
	if err != nil {
		return fmt.Errorf("acquire failed: %w", err)
	}

	fmt.Printf("Identity:    %s\n", token.Identity)
	fmt.Printf("Scopes:      %s\n", token.Scopes)
	fmt.Printf("Issuer:      %s\n", token.Issuer)
	fmt.Printf("Fingerprint: %s\n", token.Fingerprint())
	fmt.Printf("Issued at:   %s\n", token.IssuedAt.Format(time.RFC3339))
	fmt.Printf("Expires at:  %s\n", token.ExpiresAt.Format(time.RFC3339))
	return nil
}
