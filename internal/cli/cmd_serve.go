package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/pmrunner/internal/api"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with the HTTP control plane",
		Long: `Runs the task dispatcher, the HTTP API, and the skill watcher
in one process. The API serves task CRUD, runner controls, executor
output streaming over SSE, and a WebSocket activity feed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr != "" {
				rt.cfg.Server.Addr = addr
			}

			srv := api.New(api.Deps{
				Config:    rt.cfg,
				Store:     rt.store,
				Sessions:  rt.sessions,
				Skills:    rt.skills,
				Sup:       rt.sup,
				SupLog:    rt.suplog,
				Out:       rt.out,
				Publisher: rt.publisher,
				Metrics:   rt.metrics,
				Logger:    rt.logger,
			})

			ctx, cancel := SetupSignalHandler()
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(ctx) })
			g.Go(func() error { return rt.disp.Run(ctx) })
			g.Go(func() error { return rt.skills.Watch(ctx, rt.logger) })

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
