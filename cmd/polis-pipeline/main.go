// Package main is the entry point for the polis-pipeline binary.
// It runs pipeline definitions against a container runtime and serves the
// live control API while they run.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-pipeline/pkg/config"
	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/controlapi"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine"
	"github.com/polisai/polis-pipeline/pkg/logging"
	"github.com/polisai/polis-pipeline/pkg/pool"
	"github.com/polisai/polis-pipeline/pkg/storage"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// errPipelineFailed makes the process exit nonzero when the root ends in
// error.
var errPipelineFailed = errors.New("pipeline finished with errors")

// newRuntime builds the container runtime selected by the configuration.
// Tests replace it.
var newRuntime = func(cfg config.RuntimeConfig, logger *slog.Logger) (container.Runtime, error) {
	switch cfg.Kind {
	case config.RuntimeDocker:
		return container.NewDockerRuntime(cfg.DockerBinary, logger), nil
	case config.RuntimeLocal:
		return container.NewLocalRuntime(cfg.WorkDir, logger), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", cfg.Kind)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "polis-pipeline",
		Short: "Tree-structured pipeline execution engine",
		Long: `Runs pipelines of shell commands arranged in serial and parallel
groups, each command inside a container lent by a bounded pool.

Example:
  polis-pipeline run pipeline.hcl --var version=1.2.3 --serve --control-addr :8095`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&g.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&g.pretty, "pretty", false, "Human readable logs")

	rootCmd.AddCommand(newRunCmd(g), newResumeCmd(g), newValidateCmd(g), newShowCmd(g), newArchiveCmd(g))
	return rootCmd
}

// setup loads the configuration and the logger shared by subcommands.
func (g *globalOptions) setup(errOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.pretty {
		cfg.Logging.Pretty = true
	}
	if cfg.Logging.Output == nil {
		cfg.Logging.Output = errOut
	}
	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

type runOptions struct {
	vars        map[string]string
	pipelineID  string
	user        string
	serve       bool
	controlAddr string
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.user, "user", "", "Owner of the pipeline's user data")
	cmd.Flags().BoolVar(&o.serve, "serve", false, "Keep running after the pipeline finishes so nodes can be reset")
	cmd.Flags().StringVar(&o.controlAddr, "control-addr", "", "Address of the control API; overrides the config file")
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline definition (.hcl, .yaml or .json)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := tree.LoadFile(args[0], o.vars)
			if err != nil {
				return err
			}
			t, err := tree.Build(spec)
			if err != nil {
				return err
			}
			return g.execute(cmd, o, func(opts engine.Options) (*engine.Engine, error) {
				return engine.New(t, opts)
			})
		},
	}
	cmd.Flags().StringToStringVar(&o.vars, "var", nil, "Pipeline variable (name=value), repeatable")
	cmd.Flags().StringVar(&o.pipelineID, "id", "", "Pipeline id (generated when empty)")
	o.bind(cmd)
	return cmd
}

func newResumeCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume <pipeline-id>",
		Short: "Continue a pipeline from its last snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.execute(cmd, o, func(opts engine.Options) (*engine.Engine, error) {
				return engine.Resume(cmd.Context(), opts.Snapshots, args[0], opts)
			})
		},
	}
	o.bind(cmd)
	return cmd
}

// execute wires configuration, telemetry, runtime, snapshots and the control
// API around an engine, runs it and prints the outcome.
func (g *globalOptions) execute(cmd *cobra.Command, o *runOptions, build func(engine.Options) (*engine.Engine, error)) error {
	cfg, logger, err := g.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	rt, err := newRuntime(cfg.Runtime, logger)
	if err != nil {
		return err
	}
	snaps, err := newSnapshotStore(cfg.Storage)
	if err != nil {
		return err
	}

	addr := cfg.Control.Address
	if o.controlAddr != "" {
		cfg.Control.Address = o.controlAddr
		addr = o.controlAddr
	}

	e, err := build(engine.Options{
		PipelineID: o.pipelineID,
		User:       o.user,
		Runtime:    rt,
		Limits:     cfg.Pool.Limits(),
		Metrics:    processMetrics(),
		Snapshots:  snaps,
		DataURL:    cfg.Control.DataEndpoint(),
		Backoff:    cfg.Scheduler.Backoff(),
		Logger:     logger,
		KeepAlive:  o.serve,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to stop containers", "error", err)
		}
	}()

	if g.configPath != "" {
		watcher, err := config.NewFileWatcher(g.configPath, func(c *config.Config) {
			e.Pool().Configure(c.Pool.Limits())
			logger.Info("pool limits reloaded", "max_containers", c.Pool.MaxContainers, "max_cpu", c.Pool.MaxCPU)
		}, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	if addr != "" {
		srv := controlapi.New(e, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				logger.Error("control API stopped", "error", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s\n", e.ID())
	runErr := e.Run(ctx)
	printSummary(cmd.OutOrStdout(), e.View())
	if runErr != nil {
		return runErr
	}
	if e.Status() == domain.StatusError {
		return errPipelineFailed
	}
	return nil
}

func newSnapshotStore(cfg config.StorageConfig) (storage.SnapshotStore, error) {
	if cfg.SnapshotDir == "" {
		return storage.NewMemorySnapshotStore(), nil
	}
	return storage.NewFileSnapshotStore(cfg.SnapshotDir)
}

func newValidateCmd(g *globalOptions) *cobra.Command {
	var vars map[string]string
	cmd := &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := g.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			spec, err := tree.LoadFile(args[0], vars)
			if err != nil {
				return err
			}
			t, err := tree.Build(spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d nodes\n", args[0], t.Len())
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "Pipeline variable (name=value), repeatable")
	return cmd
}

func newShowCmd(g *globalOptions) *cobra.Command {
	var vars map[string]string
	cmd := &cobra.Command{
		Use:   "show <pipeline-file>",
		Short: "Print a pipeline definition as the JSON tree the engine runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := tree.LoadFile(args[0], vars)
			if err != nil {
				return err
			}
			out, err := tree.Encode(spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "Pipeline variable (name=value), repeatable")
	return cmd
}

func newArchiveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <pipeline-id>",
		Short: "Remove the snapshot and data of a finished pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg.Runtime, logger)
			if err != nil {
				return err
			}
			snaps, err := newSnapshotStore(cfg.Storage)
			if err != nil {
				return err
			}
			e, err := engine.Resume(cmd.Context(), snaps, args[0], engine.Options{Runtime: rt, Logger: logger})
			if err != nil {
				return err
			}
			if err := e.Archive(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s archived\n", args[0])
			return nil
		},
	}
}

// processMetrics returns pool metrics whose registry also carries the Go
// runtime and process collectors, so /metrics describes the whole engine.
func processMetrics() *pool.Metrics {
	m := pool.NewMetrics()
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func printSummary(w io.Writer, v engine.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PATH\tSTATUS\tRUNS\tLAST ERROR\n")
	for _, n := range v.Nodes {
		lastErr := ""
		if n.Failure != nil {
			lastErr = n.Failure.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", n.Path, n.Status, len(n.Runs), lastErr)
	}
	fmt.Fprintf(tw, "\npipeline %s: %s\n", v.PipelineID, v.Status)
	_ = tw.Flush()
}
