package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mpataki/tactus/internal/config"
	"github.com/mpataki/tactus/internal/events"
	"github.com/mpataki/tactus/internal/hitl"
	"github.com/mpataki/tactus/internal/logger"
	"github.com/mpataki/tactus/internal/orchestrator"
	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/storage"
	"github.com/mpataki/tactus/internal/tools"
)

var version = "dev"

// errRunFailed is returned after a failed run has already been reported.
var errRunFailed = errors.New("run failed")

func main() {
	rootCmd := &cobra.Command{
		Use:           "tactus",
		Short:         "Run LLM agent procedures",
		Long:          "Tactus runs YAML procedure documents whose Lua body drives one or more LLM agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newProceduresCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		}
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tactus %s\n", version)
		},
	}
}

// app is what every command needs: config and a logger.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	closeLog func() error
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log, closeLog, err := logger.New(logger.Config{
		Level:   level,
		Console: true,
		Pretty:  true,
		Out:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, closeLog: closeLog}, nil
}

func (a *app) Close() {
	_ = a.closeLog()
}

// runtimeDeps holds what a runtime borrows and the caller must release.
type runtimeDeps struct {
	store storage.Store
	mcp   *tools.MCPClient
}

func (d *runtimeDeps) Close() {
	if d.mcp != nil {
		_ = d.mcp.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

type runtimeOptions struct {
	procedureID string
	storage     storage.Config
	human       hitl.Handler
	checkpoint  bool
	sink        events.Sink
}

func (a *app) openStore(ctx context.Context, sc storage.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", sc.Backend, err)
	}
	return store, nil
}

// newRuntime wires providers, the optional MCP tool server, storage and
// the human handler into an orchestrator.
func (a *app) newRuntime(ctx context.Context, opts runtimeOptions) (*orchestrator.Runtime, *runtimeDeps, error) {
	deps := &runtimeDeps{}

	store, err := a.openStore(ctx, opts.storage)
	if err != nil {
		return nil, nil, err
	}
	deps.store = store

	var invoker tools.Invoker
	if fields := strings.Fields(a.cfg.MCPCommand); len(fields) > 0 {
		client, err := tools.StartMCP(ctx, a.log, fields[0], fields[1:]...)
		if err != nil {
			deps.Close()
			return nil, nil, err
		}
		deps.mcp = client
		invoker = client
	}

	rt, err := orchestrator.New(ctx, orchestrator.Options{
		ProcedureID: opts.procedureID,
		Providers:   provider.NewRegistry(a.cfg.Credentials()),
		Invoker:     invoker,
		Storage:     store,
		HITL:        opts.human,
		Sink:        opts.sink,
		Logger:      a.log,
		Retry:       a.cfg.RetryPolicy(),
		RateLimit:   orchestrator.RateLimit{RPS: a.cfg.RateLimit, Burst: 1},
		RunTimeout:  a.cfg.RunTimeout,
		Checkpoint:  opts.checkpoint,
	})
	if err != nil {
		deps.Close()
		return nil, nil, err
	}
	return rt, deps, nil
}
