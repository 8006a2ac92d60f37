package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	branchStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		convs, err := a.store.ListConversations(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			return nil
		}

		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Conversations (%d)", len(convs))))
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = "New chat"
			}
			if c.IsBranch() {
				title += " " + branchStyle.Render("(branch)")
			}
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\n",
				idStyle.Render(c.ID), title, c.ProviderID, c.ModelID,
				dateStyle.Render(c.UpdatedAt.Format(time.DateTime)))
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of conversations")
	rootCmd.AddCommand(listCmd)
}
