package main

import (
	"fmt"
	"os"

	"FusionChat/internal/chatbot"

	"github.com/spf13/cobra"
)

var (
	configPath     string
	debug          bool
	providerID     string
	modelID        string
	conversationID string
	version        string = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "fusionchat",
	Short: "Chat with local and hosted LLMs from the terminal",
	Long: `FusionChat is a terminal chat client for Ollama, Anthropic, OpenAI and
OpenAI compatible providers.

Conversations are stored locally. Any answer can be branched or redone with
another model, and fusion mode asks several models at once and has a judge
merge their answers.

Quick Start:
  fusionchat                          # Start a new conversation
  fusionchat -c <id>                  # Continue a conversation
  fusionchat list                     # List conversations
  fusionchat export <id> --format md  # Export a conversation`,
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		deps := chatbot.Deps{
			Store:    a.store,
			Driver:   a.driver,
			Brancher: a.brancher,
			Models:   a.directory,
		}
		if a.prefs != nil {
			deps.Preferences = a.prefs
		}
		bot, err := chatbot.NewChatBot(a.cfg, deps, chatbot.Options{
			Logger: a.logger,
			Meter:  a.meter,
			In:     cmd.InOrStdin(),
			Out:    cmd.OutOrStdout(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize chatbot: %w", err)
		}

		id := conversationID
		if id == "" {
			c, err := bot.NewConversation(ctx, "", providerID, modelID)
			if err != nil {
				return err
			}
			id = c.ID
		}
		return bot.Run(ctx, id)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fusionchat.yaml", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&providerID, "provider", "", "Provider for new conversations (defaults to default_provider)")
	rootCmd.Flags().StringVar(&modelID, "model", "", "Model for a new conversation (defaults to the provider's default model)")
	rootCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation by id")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
