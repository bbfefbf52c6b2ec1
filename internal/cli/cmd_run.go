package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/pmrunner/internal/dispatcher"
)

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the task dispatcher",
		Long: `Claims queued tasks and executes them through the supervised
executor process. Runs until interrupted.

With --once, claims and executes a single task, then exits with a
code describing the outcome:

  0  task completed with evidence
  1  task incomplete after retries
  2  task escalated without evidence
  3  fatal error
  4  no queued task`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}

			ctx, cancel := SetupSignalHandler()
			defer cancel()

			if once {
				task, decision, err := rt.disp.RunOnce(ctx)
				if err != nil {
					rt.Close()
					return err
				}
				if task == nil {
					fmt.Println("No queued tasks.")
				} else {
					fmt.Printf("Task %s finished: %s\n", task.TaskID, task.Status)
				}
				rt.Close()
				os.Exit(dispatcher.ExitCode(task, decision))
			}

			err = rt.disp.Run(ctx)
			rt.Close()
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "execute a single task and exit")
	return cmd
}
