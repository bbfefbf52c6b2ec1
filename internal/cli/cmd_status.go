package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/pmrunner/internal/queue"
)

// statusOrder fixes the display order of task counts.
var statusOrder = []queue.Status{
	queue.StatusQueued,
	queue.StatusRunning,
	queue.StatusAwaitingResponse,
	queue.StatusComplete,
	queue.StatusError,
	queue.StatusCancelled,
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and runner status",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, store, cfg, err := openQueue()
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			ctx := context.Background()

			if all {
				admin := queue.NewAdmin(database)
				summaries, err := admin.Summaries(ctx, cfg.Runner.HeartbeatTimeout)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(map[string]any{"namespaces": summaries})
				}
				for _, s := range summaries {
					fmt.Printf("%s  (runners alive: %d)\n", s.Namespace, s.AliveRunners)
					printCounts(s.TaskCounts)
				}
				return nil
			}

			counts, err := store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			runners, err := store.Runners(ctx)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"namespace":   store.Namespace(),
					"task_counts": counts,
					"runners":     runners,
				})
			}

			fmt.Printf("Namespace: %s\n", store.Namespace())
			printCounts(counts)

			if len(runners) == 0 {
				fmt.Println("No runners registered.")
				return nil
			}
			fmt.Println("Runners:")
			now := time.Now()
			for _, r := range runners {
				liveness := "stale"
				if r.Alive(now, cfg.Runner.HeartbeatTimeout) {
					liveness = "alive"
				}
				fmt.Printf("  %-24s %-8s %s (heartbeat %s ago)\n",
					r.RunnerID, r.Status, liveness, now.Sub(r.LastHeartbeat).Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "show every namespace in the database")
	return cmd
}

func printCounts(counts map[queue.Status]int) {
	for _, st := range statusOrder {
		if n := counts[st]; n > 0 {
			fmt.Printf("  %-18s %d\n", st, n)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
