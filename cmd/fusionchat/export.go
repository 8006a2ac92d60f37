package main

import (
	"fmt"
	"os"
	"path/filepath"

	"FusionChat/internal/export"

	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id>",
	Short: "Export a conversation as Markdown, JSON, YAML or plain text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.store.GetConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("conversation not found: %s", args[0])
		}
		msgs, err := a.store.GetMessages(cmd.Context(), c.ID)
		if err != nil {
			return err
		}
		data, err := export.Render(exporter, *c, msgs)
		if err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}

		if exportOut == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		path := exportOut
		if path == "" {
			if err := os.MkdirAll(a.cfg.ExportDir, 0755); err != nil {
				return fmt.Errorf("failed to create export directory: %w", err)
			}
			path = filepath.Join(a.cfg.ExportDir, export.Filename(c.Title, exporter.Extension()))
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		a.logger.Info("exported conversation", "conversation_id", c.ID, "path", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", len(msgs), path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "md", "Export format (md, json, yaml, txt)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file, - for stdout (defaults to export_dir)")
	rootCmd.AddCommand(exportCmd)
}
