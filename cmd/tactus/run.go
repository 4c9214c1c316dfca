package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/storage"
	"github.com/mpataki/tactus/internal/tui"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a procedure document",
		Args:  cobra.ExactArgs(1),
		RunE:  runProcedure,
	}

	cmd.Flags().StringArrayP("param", "p", nil, "Procedure parameter as key=value (repeatable)")
	cmd.Flags().String("storage", "", "Storage backend: "+strings.Join(storage.Backends, "|"))
	cmd.Flags().String("storage-path", "", "Database file or directory for file/sqlite storage")
	cmd.Flags().String("openai-api-key", "", "OpenAI API key (overrides OPENAI_API_KEY)")
	cmd.Flags().Duration("timeout", 0, "Abort the run after this long")
	cmd.Flags().Bool("tui", false, "Follow the run in an interactive view")
	cmd.Flags().Bool("checkpoint", false, "Seed State from and save it to storage")
	return cmd
}

func runProcedure(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read procedure: %w", err)
	}
	doc := string(data)

	rawParams, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		a.cfg.Storage = v
	}
	if v, _ := cmd.Flags().GetString("storage-path"); v != "" {
		a.cfg.StoragePath = v
	}
	if v, _ := cmd.Flags().GetString("openai-api-key"); v != "" {
		a.cfg.OpenAIAPIKey = v
	}
	if cmd.Flags().Changed("timeout") {
		a.cfg.RunTimeout, _ = cmd.Flags().GetDuration("timeout")
	}
	checkpoint, _ := cmd.Flags().GetBool("checkpoint")
	useTUI, _ := cmd.Flags().GetBool("tui")

	// checkpoints are keyed by procedure name so reruns find their state
	procedureID := ""
	if checkpoint {
		if cfg, err := spec.Parse(doc); err == nil {
			procedureID = cfg.Name
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var human hitl.Handler = hitl.NewCLIHandler(cmd.InOrStdin(), out, a.log)
	var sink events.Sink = events.LogSink{Log: a.log}
	if useTUI {
		// the terminal belongs to the live view
		human = hitl.AutoHandler{}
		sink = nil
		a.log = a.log.Level(zerolog.ErrorLevel)
	}

	rt, deps, err := a.newRuntime(ctx, runtimeOptions{
		procedureID: procedureID,
		storage:     a.cfg.StorageConfig(),
		human:       human,
		checkpoint:  checkpoint,
		sink:        sink,
	})
	if err != nil {
		return err
	}
	defer deps.Close()

	var res *models.Result
	if useTUI {
		res, err = runWithTUI(ctx, filepath.Base(path), rt.Stream, doc, params)
		if err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, headerPanel(filepath.Base(path)))
		res = rt.Execute(ctx, doc, params)
	}

	fmt.Fprintln(out, renderResult(res))
	if !res.Success {
		return errRunFailed
	}
	return nil
}

type streamFunc func(context.Context, string, map[string]any) (<-chan models.Event, <-chan *models.Result)

func runWithTUI(ctx context.Context, title string, stream streamFunc, doc string, params map[string]any) (*models.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	evCh, resCh := stream(runCtx, doc, params)
	app := tui.NewApp(title, evCh, resCh, cancel)
	if _, err := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		cancel()
		for range evCh {
		}
		if res := <-resCh; res != nil {
			return res, nil
		}
		return nil, err
	}
	if res := app.Result(); res != nil {
		return res, nil
	}

	// the view quit before the result arrived
	cancel()
	for range evCh {
	}
	return <-resCh, nil
}

// parseParams turns repeated key=value flags into a context map. Values stay
// strings; declared param types coerce them later.
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}
