package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration and registered providers.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	RunE:  runConfigInit,
}

var configAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a provider endpoint",
	Long:  `Register a custom chat-completion endpoint with its wire format.`,
	RunE:  runConfigAdd,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers",
	RunE:  runConfigList,
}

var configRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a registered provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigRemove,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var (
	addName   string
	addURL    string
	addFormat string
	addKey    string
)

func init() {
	configAddCmd.Flags().StringVar(&addName, "name", "", "provider name (unique)")
	configAddCmd.Flags().StringVar(&addURL, "url", "", "endpoint base URL")
	configAddCmd.Flags().StringVar(&addFormat, "format", "", "wire format: openai-chat, openai-responses, gemini, claude")
	configAddCmd.Flags().StringVar(&addKey, "api-key", "", "API key (or set MODELBRIDGE_<NAME>_API_KEY)")

	_ = configAddCmd.MarkFlagRequired("name")
	_ = configAddCmd.MarkFlagRequired("url")
	_ = configAddCmd.MarkFlagRequired("format")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configAddCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configRemoveCmd)
	configCmd.AddCommand(configValidateCmd)
}

const configTemplate = `# modelbridge configuration
#
# host/port control the local gateway listener. api_key, when set, is
# required from clients via Authorization: Bearer or X-API-Key.
host: 127.0.0.1
port: 6970
# api_key: ""

# Register endpoints with 'modelbridge config add', or by hand:
#
# providers:
#   - name: anthropic
#     base_url: https://api.anthropic.com
#     format: claude
#     api_key: sk-ant-...
#
# Per-provider keys may instead come from MODELBRIDGE_<NAME>_API_KEY.
providers: []
`

func runConfigInit(_ *cobra.Command, _ []string) error {
	if cfgMgr.Exists() {
		color.Yellow("Configuration already exists at: %s", cfgMgr.GetPath())
		return nil
	}

	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(cfgMgr.GetPath(), []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}

	color.Green("Configuration written to: %s", cfgMgr.GetPath())
	color.Cyan("Register an endpoint with: %s config add --name mylab --url https://... --format openai-chat", AppName)

	return nil
}

func runConfigAdd(_ *cobra.Command, _ []string) error {
	provider := config.Provider{
		Name:    addName,
		BaseURL: addURL,
		Format:  config.Format(addFormat),
		APIKey:  addKey,
	}

	if err := cfgMgr.AddProvider(provider); err != nil {
		return err
	}

	color.Green("Provider %q registered (%s)", addName, addFormat)

	return nil
}

func runConfigList(_ *cobra.Command, _ []string) error {
	cfg := cfgMgr.Get()

	if len(cfg.Providers) == 0 {
		color.Yellow("No providers registered")
		return nil
	}

	color.Blue("Registered providers:")

	for _, p := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", p.Name)
		fmt.Printf("    Base URL: %s\n", p.BaseURL)
		fmt.Printf("    Format: %s\n", p.Format)
		fmt.Printf("    API Key: %s\n", maskString(p.APIKey))
		fmt.Println()
	}

	return nil
}

func runConfigRemove(_ *cobra.Command, args []string) error {
	if err := cfgMgr.RemoveProvider(args[0]); err != nil {
		return err
	}

	color.Green("Provider %q removed", args[0])

	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found at %s", cfgMgr.GetPath())
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)

		return fmt.Errorf("configuration validation failed")
	}

	if len(cfg.Providers) == 0 {
		color.Yellow("Configuration is valid, but no providers are registered")
		return nil
	}

	color.Green("Configuration is valid (%d providers)", len(cfg.Providers))

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}

	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
