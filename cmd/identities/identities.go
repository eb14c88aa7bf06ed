package identities

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/granter/cmd/helpers"
	"github.com/stephnangue/granter/config"
)

var (
	configPath string

	IdentitiesCmd = &cobra.Command{
		Use:           "identities",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "List the identities defined in the configuration",
		RunE:          run,
	}
)

func init() {
	IdentitiesCmd.Flags().StringVar(&configPath, "config", "", "Path to the granter configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(configPath)
	if err != nil {
		return err
	}

	fmt.Print(render(cfg))
	return nil
}

// render lists the identity blocks sorted by name. It sorts a copy so the
// loaded configuration keeps its declaration order.
func render(cfg *config.Config) string {
	if len(cfg.Identities) == 0 {
		return "No identities configured\n"
	}

	blocks := make([]config.IdentityBlock, len(cfg.Identities))
	copy(blocks, cfg.Identities)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Name < blocks[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-18s %s\n", "NAME", "KIND", "SECRET")
	for _, block := range blocks {
		fmt.Fprintf(&b, "%-24s %-18s %s\n", block.Name, block.Kind, block.SecretFile)
	}
	return b.String()
}
