package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [device...]",
		Short: "Queue staged data for transfer",
		Long: "Queue staged data for transfer through the active backend. With no " +
			"arguments every device with staged data is queued. Connected devices " +
			"are synced after they disconnect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Sync(cmd.Context(), args)
			if err != nil {
				return wrapAPIError(err)
			}
			out := cmd.OutOrStdout()
			if len(resp.Queued) == 0 {
				fmt.Fprintln(out, resp.Message)
				return nil
			}
			fmt.Fprintf(out, "Queued %d device(s): %s\n", len(resp.Queued), strings.Join(resp.Queued, ", "))
			return nil
		},
	}
}
