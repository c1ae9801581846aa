package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/reviewflow/pkg/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries global flags and the loaded configuration to subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	store      string
	dataDir    string

	cfg *config.Config
}

func rootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "reviewflow",
		Short: "Run human review pipelines",
		Long: `reviewflow runs pipelines of editor subtasks and reviewer checkpoints.

Editors fill in fields on a subtask; a reviewer accepts or rejects each field.
Rejected fields loop back for revision, accepted ones lock, and a review can
escalate after a maximum number of attempts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "config file (default: reviewflow.yaml in . or ./config)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&a.store, "store", "", "store backend: memory, file, sqlite or postgres")
	f.StringVar(&a.dataDir, "data-dir", "", "data directory for the file store")

	root.AddCommand(serveCmd(a))
	root.AddCommand(lintCmd())
	root.AddCommand(graphCmd())
	root.AddCommand(templateCmd())
	root.AddCommand(pipelineCmd(a))
	root.AddCommand(startCmd(a))
	root.AddCommand(showCmd(a))
	root.AddCommand(executionsCmd(a))
	root.AddCommand(submitCmd(a))
	root.AddCommand(reviewCmd(a))
	root.AddCommand(queueCmd(a))
	return root
}

// load reads configuration, applies flag overrides and installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("store") {
		cfg.Store.Backend = a.store
	}
	if flags.Changed("data-dir") {
		cfg.Store.Dir = a.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[reviewflow] interrupted, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
