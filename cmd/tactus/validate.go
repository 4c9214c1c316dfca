package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/storage"
)

const watchDebounce = 100 * time.Millisecond

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a procedure document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")

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

			check := func() bool {
				return validateFile(cmd.OutOrStdout(), args[0], rt.Validate)
			}

			ok := check()
			if watch {
				return watchFile(ctx, args[0], func() {
					fmt.Fprintln(cmd.OutOrStdout())
					check()
				})
			}
			if !ok {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolP("watch", "w", false, "Revalidate whenever the file changes")
	return cmd
}

type validateFunc func(string) (*models.ProcedureConfig, *spec.ValidationResult)

func validateFile(out io.Writer, path string, validate validateFunc) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("✗ ")+err.Error())
		return false
	}
	cfg, res := validate(string(data))
	fmt.Fprintln(out, renderValidation(filepath.Base(path), cfg, res))
	return res.Valid()
}

// watchFile calls onChange after writes to path settle. The parent directory
// is watched so editors that replace the file are still seen.
func watchFile(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		case <-debounce.C:
			onChange()
		}
	}
}
