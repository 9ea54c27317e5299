// Command stageflow runs resumable staged-pipeline orchestrations from
// the terminal: start a run toward a goal, resume a paused one, and
// inspect its checkpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/stageflow/checkpoint"
	"github.com/dshills/stageflow/flow/emit"
	"github.com/dshills/stageflow/flow/store"
	"github.com/dshills/stageflow/pipeline"
)

func main() {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:           "stageflow",
		Short:         "Resumable staged-pipeline orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(resumeCmd(&configPath))
	root.AddCommand(checkpointsCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildOrchestrator assembles the orchestrator and its collaborators
// from the file config. The returned closer releases store and worker
// resources.
func buildOrchestrator(ctx context.Context, cfg fileConfig) (*pipeline.Orchestrator, func(), error) {
	w, closeWorker, err := cfg.buildWorker(ctx)
	if err != nil {
		return nil, nil, err
	}

	var (
		st     store.Store[pipeline.State]
		closer io.Closer
	)
	switch cfg.Store {
	case "memory":
		st = store.NewMemStore[pipeline.State]()
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.BaseDir, "stageflow.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			closeWorker()
			return nil, nil, err
		}
		s, err := store.NewSQLiteStore[pipeline.State](path)
		if err != nil {
			closeWorker()
			return nil, nil, err
		}
		st, closer = s, s
	case "mysql":
		s, err := store.NewMySQLStore[pipeline.State](cfg.MySQLDSN)
		if err != nil {
			closeWorker()
			return nil, nil, err
		}
		st, closer = s, s
	default:
		closeWorker()
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Worker:      w,
		Decide:      pipeline.NewWorkerDecisionMaker(w),
		Triggers:    pipeline.ResponseTriggerHandler{},
		Archiver:    checkpoint.NewArchiver(cfg.BaseDir),
		Checkpoints: checkpoint.New(cfg.BaseDir),
		Asker:       newStdinAsker(),
		Store:       st,
		Emitter:     emit.NewLogEmitter(os.Stderr, cfg.JSONLogs),
		Runtime:     cfg.runtime(),
		MaxSteps:    cfg.MaxSteps,
	})
	if err != nil {
		closeWorker()
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		closeWorker()
		if closer != nil {
			_ = closer.Close()
		}
	}
	return orch, cleanup, nil
}

func runCmd(configPath *string) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a new pipeline run toward a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			orch, cleanup, err := buildOrchestrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if runID == "" {
				runID = pipeline.NewRunID()
			}
			slog.Info("starting run", "run_id", runID)

			final, err := orch.Run(cmd.Context(), runID, args[0])
			return report(cmd.OutOrStdout(), runID, final, err)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (generated when omitted)")
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	var fromCheckpoint string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			orch, cleanup, err := buildOrchestrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			runID := args[0]

			var state pipeline.State
			if fromCheckpoint != "" {
				cp := checkpoint.New(cfg.BaseDir)
				if err := cp.Load(runID, fromCheckpoint, &state); err != nil {
					return fmt.Errorf("load checkpoint %q: %w", fromCheckpoint, err)
				}
			} else {
				state, _, err = orch.LoadLatest(cmd.Context(), runID)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("no persisted state for run %s", runID)
					}
					return err
				}
			}

			slog.Info("resuming run", "run_id", runID)
			final, err := orch.Resume(cmd.Context(), runID, state)
			return report(cmd.OutOrStdout(), runID, final, err)
		},
	}
	cmd.Flags().StringVar(&fromCheckpoint, "checkpoint", "", `Checkpoint name to restore ("latest" for the newest)`)
	return cmd
}

func checkpointsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List a run's checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			infos, err := checkpoint.New(cfg.BaseDir).List(args[0])
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-32s  %8d  %s\n",
					info.Timestamp.Format("2006-01-02 15:04:05"), info.Name, info.Size, info.Path)
			}
			return nil
		},
	}
}

// report prints the run outcome. An interrupted run that paused without
// a response is not an error; its state says where it stopped.
func report(out io.Writer, runID string, final pipeline.State, err error) error {
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if final.Trigger != "" {
		fmt.Fprintf(out, "run %s paused on trigger %q; resume with: stageflow resume %s\n",
			runID, final.Trigger, runID)
		return nil
	}
	if final.Summary != "" {
		fmt.Fprintf(out, "run %s complete: %s\n", runID, final.Summary)
	} else {
		fmt.Fprintf(out, "run %s finished\n", runID)
	}
	return nil
}
