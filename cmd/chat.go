package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/providers"
)

var (
	chatProvider string
	chatModel    string
	chatBudget   int
	chatMax      int
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a one-shot prompt and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "provider to use")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model id")
	chatCmd.Flags().IntVar(&chatBudget, "thinking-budget", 0, "thinking token budget (0 disables)")
	chatCmd.Flags().IntVar(&chatMax, "max-tokens", 4096, "maximum output tokens")

	_ = chatCmd.MarkFlagRequired("provider")
	_ = chatCmd.MarkFlagRequired("model")
}

func runChat(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	pc, ok := cfgMgr.FindProvider(chatProvider)
	if !ok {
		return fmt.Errorf("provider %q not registered", chatProvider)
	}

	provider, err := providers.New(pc, logger)
	if err != nil {
		return err
	}

	req := &chat.Request{
		Model: chatModel,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: strings.Join(args, " ")}}},
		},
		MaxTokens: chatMax,
	}

	if chatBudget > 0 {
		req.Thinking = &chat.ThinkingConfig{BudgetTokens: chatBudget}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	deltas, err := provider.StreamChat(ctx, req)
	if err != nil {
		return err
	}

	thinking := color.New(color.Faint)
	toolNote := color.New(color.FgCyan)

	for delta := range deltas {
		switch delta.Kind {
		case chat.DeltaText:
			fmt.Print(delta.Text)
		case chat.DeltaThinking:
			thinking.Print(delta.Text)
		case chat.DeltaThinkingDone:
			thinking.Println()
		case chat.DeltaToolCallStart:
			toolNote.Printf("\n[tool call: %s]\n", delta.ToolName)
		case chat.DeltaDone:
			fmt.Println()
		case chat.DeltaError:
			return fmt.Errorf("stream error: %s", delta.Error)
		}
	}

	return nil
}
