package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pihub/internal/staging"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history [device]",
		Short: "Show recent transfer attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var device string
			if len(args) == 1 {
				cleaned, err := staging.CleanDevice(args[0])
				if err != nil {
					return err
				}
				device = cleaned
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			transfers, err := client.History(cmd.Context(), device, limit)
			if err != nil {
				return wrapAPIError(err)
			}
			if asJSON {
				return writeJSON(cmd, transfers)
			}
			out := cmd.OutOrStdout()
			if len(transfers) == 0 {
				label := "any device"
				if device != "" {
					label = device
				}
				fmt.Fprintf(out, "No transfers recorded for %s\n", label)
				return nil
			}
			fmt.Fprint(out, renderTable(
				[]string{"ID", "Finished", "Backend", "Device", "Folder", "Files", "Size", "Outcome", "Error"},
				transferRows(transfers),
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print transfers as JSON")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive, got %d", limit)
		}
		return nil
	}
	return cmd
}
