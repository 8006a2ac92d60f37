package main

import (
	"fmt"
	"strings"

	"FusionChat/internal/session"

	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create an empty conversation and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		p, ok := a.cfg.Provider(a.cfg.DefaultProvider)
		if !ok {
			return fmt.Errorf("unknown provider: %s", a.cfg.DefaultProvider)
		}
		model := newModel
		if model == "" {
			model = p.DefaultModel
		}
		c, err := a.store.CreateConversation(cmd.Context(), session.Conversation{
			Title:      strings.Join(args, " "),
			ProviderID: p.ID,
			ModelID:    model,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c.ID)
		return nil
	},
}

var newModel string

func init() {
	newCmd.Flags().StringVar(&newModel, "model", "", "Model for the conversation (defaults to the provider's default model)")
	rootCmd.AddCommand(newCmd)
}
