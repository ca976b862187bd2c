package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured model providers",
	Long: `List the providers that have credentials configured, marking the one
replies will be generated with.`,
	RunE: runProviders,
}

func runProviders(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(dir)
	if err != nil {
		return err
	}

	registry, err := provider.InitializeProviders(context.Background(), appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	var defaultID string
	if p, err := registry.Default(); err == nil {
		defaultID = p.ID()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tNAME\tMODEL\tDEFAULT\t")
	for _, p := range registry.List() {
		mark := ""
		if p.ID() == defaultID {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", p.ID(), p.Name(), p.Model(), mark)
	}
	return w.Flush()
}
