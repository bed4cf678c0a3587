package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/providers"
)

var modelsProvider string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models from registered providers",
	Long:  `Query each registered endpoint for its available models.`,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "limit to one provider")
}

func runModels(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	cfg := cfgMgr.Get()
	if len(cfg.Providers) == 0 {
		color.Yellow("No providers registered. Add one with '%s config add'", AppName)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found := false

	for _, pc := range cfg.Providers {
		if modelsProvider != "" && pc.Name != modelsProvider {
			continue
		}

		found = true

		provider, err := providers.New(pc, logger)
		if err != nil {
			color.Red("%s: %v", pc.Name, err)
			continue
		}

		models, err := provider.ListModels(ctx)
		if err != nil {
			color.Red("%s: %v", pc.Name, err)
			continue
		}

		color.Blue("%s (%s):", pc.Name, pc.Format)

		if len(models) == 0 {
			fmt.Println("  (no models)")
			continue
		}

		for _, m := range models {
			caps := ""
			if m.SupportsThinking {
				caps += " thinking"
			}

			if m.SupportsVision {
				caps += " vision"
			}

			if m.SupportsTools {
				caps += " tools"
			}

			fmt.Printf("  %-40s in=%-8d out=%-7d%s\n", m.ID, m.MaxInputTokens, m.MaxOutputTokens, caps)
		}
	}

	if !found {
		return fmt.Errorf("provider %q not registered", modelsProvider)
	}

	return nil
}
