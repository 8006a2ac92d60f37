package main

import (
	"fmt"
	"text/tabwriter"

	"FusionChat/internal/session"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List the models offered by the configured providers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		var models []session.Model
		if len(args) == 1 {
			models, err = a.directory.FetchModels(cmd.Context(), args[0])
		} else {
			models, err = a.directory.FetchAll(cmd.Context())
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Models (%d)", len(models))))
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\n", m.ID, idStyle.Render(m.ProviderID))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
