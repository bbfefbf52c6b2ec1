package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/pmrunner/internal/queue"
)

// newEnqueueCmd creates the enqueue command.
func newEnqueueCmd() *cobra.Command {
	var (
		sessionID string
		groupID   string
		taskType  string
		colorTag  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <prompt>",
		Short: "Queue a task for execution",
		Long: `Adds a task to the durable queue. The next runner to claim it
executes the prompt through the configured executor.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, store, _, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
				SessionID:   sessionID,
				TaskGroupID: groupID,
				Prompt:      strings.Join(args, " "),
				TaskType:    queue.TaskType(taskType),
				ColorTag:    colorTag,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(task)
			}

			fmt.Printf("Queued %s (%s)\n", task.TaskID, task.TaskType)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session to attach the task to")
	cmd.Flags().StringVar(&groupID, "group", "", "task group identifier")
	cmd.Flags().StringVar(&taskType, "type", "", "task type (selects the timeout profile)")
	cmd.Flags().StringVar(&colorTag, "color", "", "display color tag")
	return cmd
}
