package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/storage"
)

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("storage", "", "Storage backend holding run history (sqlite, file or postgres)")
	cmd.Flags().String("storage-path", "", "Database file or directory for file/sqlite storage")
}

// openHistory opens the configured store, which must keep run history.
func openHistory(ctx context.Context, cmd *cobra.Command, a *app) (storage.RunHistory, func(), error) {
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		a.cfg.Storage = v
	}
	if v, _ := cmd.Flags().GetString("storage-path"); v != "" {
		a.cfg.StoragePath = v
	}
	sc := a.cfg.StorageConfig()
	if sc.Backend == storage.BackendMemory || sc.Backend == "" {
		return nil, nil, fmt.Errorf("run history needs persistent storage; set --storage or TACTUS_STORAGE")
	}

	store, err := a.openStore(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	history, ok := store.(storage.RunHistory)
	if !ok {
		store.Close()
		return nil, nil, fmt.Errorf("%s storage does not keep run history", sc.Backend)
	}
	return history, func() { store.Close() }, nil
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			history, closeStore, err := openHistory(cmd.Context(), cmd, a)
			if err != nil {
				return err
			}
			defer closeStore()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := history.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuns(runs))
			return nil
		},
	}
	addStorageFlags(cmd)
	cmd.Flags().IntP("limit", "n", 20, "Maximum runs to show")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			history, closeStore, err := openHistory(cmd.Context(), cmd, a)
			if err != nil {
				return err
			}
			defer closeStore()

			run, err := history.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRun(run))
			return nil
		},
	}
	addStorageFlags(cmd)
	return cmd
}
