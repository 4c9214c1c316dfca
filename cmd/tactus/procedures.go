package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/storage"
)

func newProceduresCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "procedures [dir...]",
		Aliases: []string{"procs"},
		Short:   "List and check the procedure documents in directories",
		Long:    "Checks every .yml/.yaml document directly inside each directory (default: current and .tactus/procedures).",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{".", filepath.Join(".tactus", "procedures")}
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, deps, err := a.newRuntime(ctx, runtimeOptions{
				storage: storage.Config{Backend: storage.BackendMemory},
				human:   hitl.Cancelled{},
			})
			if err != nil {
				return err
			}
			defer deps.Close()

			entries, err := spec.LoadAll(dirs, rt.Validate)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No procedures found.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderProcedures(entries))
			return nil
		},
	}
}
