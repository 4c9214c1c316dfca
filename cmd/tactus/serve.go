package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editor backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if v, _ := cmd.Flags().GetString("host"); v != "" {
				a.cfg.IDEHost = v
			}
			if cmd.Flags().Changed("port") {
				a.cfg.IDEPort, _ = cmd.Flags().GetInt("port")
			}
			root, _ := cmd.Flags().GetString("root")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// editor runs cannot prompt, so Human.ask takes the first option
			rt, deps, err := a.newRuntime(ctx, runtimeOptions{
				storage: a.cfg.StorageConfig(),
				human:   hitl.AutoHandler{},
				sink:    events.LogSink{Log: a.log},
			})
			if err != nil {
				return err
			}
			defer deps.Close()

			srv, err := server.New(server.Options{Runtime: rt, Root: root, Logger: a.log})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx, a.cfg.IDEHost, a.cfg.IDEPort)
		},
	}
	cmd.Flags().String("host", "", "Listen host (default TACTUS_IDE_HOST)")
	cmd.Flags().Int("port", 0, "Listen port (default TACTUS_IDE_PORT)")
	cmd.Flags().String("root", "", "Initial workspace (default current directory)")
	return cmd
}
