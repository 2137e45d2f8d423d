package cmd

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ob-poc/runbook-engine/internal/events"
	"github.com/ob-poc/runbook-engine/internal/rpcserver"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC admin surface and run the BPMN dispatch worker and event drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "admin surface listen address")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	app, err := NewApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	drain := events.New(app.Emitter.Events(), events.NewPostgresStore(app.DB), app.Log)
	events.SpawnSupervised(ctx, drain)

	worker := newDispatchWorker(app)
	go worker.Run(ctx)

	srv := rpcserver.New(app.Verbs, app.Builder, app.Gate, app.Registry, app.Log).
		WithCache(app.Cache).
		WithRunbookStore(app.Runbooks).
		WithSessions(app.Sessions).
		WithCallbacks(app.Callbacks)
	app.Log.Infow("serving admin surface", "addr", addr)
	return http.ListenAndServe(addr, srv.Router())
}
