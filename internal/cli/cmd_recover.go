package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newRecoverCmd creates the recover command.
func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue tasks orphaned by a dead runner",
		Long: `Runs the recovery sweep once: RUNNING tasks whose runner stopped
heartbeating are requeued, and AWAITING_RESPONSE tasks past the
response deadline are failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, store, cfg, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			ctx := context.Background()

			requeued, err := store.RecoverStaleTasks(ctx, cfg.Queue.StaleMaxAge)
			if err != nil {
				return err
			}
			expired, err := store.RecoverAwaitingResponse(ctx, cfg.Queue.AwaitingResponseMaxAge)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"requeued": requeued,
					"expired":  expired,
				})
			}
			fmt.Printf("Requeued %d stale task(s), expired %d awaiting-response task(s).\n", requeued, expired)
			return nil
		},
	}
}
