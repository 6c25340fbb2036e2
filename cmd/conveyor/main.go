package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/conveyor/internal/cmd/server"
	"github.com/rzbill/conveyor/internal/queue"
	"github.com/rzbill/conveyor/internal/runtime"
	logpkg "github.com/rzbill/conveyor/pkg/log"
)

func newLogger() logpkg.Logger {
	level, err := logpkg.ParseLevel(os.Getenv("CONVEYOR_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if os.Getenv("CONVEYOR_LOG_FORMAT") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormatter(formatter))
}

// openRuntime opens the store for a one-shot operator command. The server
// must not be running against the same data dir; Pebble holds an exclusive
// lock.
func openRuntime(configPath, dataDir string, logger logpkg.Logger) (*runtime.Runtime, error) {
	cfg, err := serverrun.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return runtime.Open(cfg, logger)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func main() {
	logger := newLogger()

	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor task queue CLI",
		Long:  "Conveyor is a durable priority task queue with saga orchestration. This CLI manages the server and operator tasks.",
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")

	flags := func(cmd *cobra.Command) (string, string) {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		return configPath, dataDir
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the conveyor server (worker pool + recovery monitor)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			return serverrun.Run(cmd.Context(), serverrun.Options{
				ConfigPath: configPath,
				DataDir:    dataDir,
				Logger:     logger,
			})
		},
	}
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// task commands
	taskCmd := &cobra.Command{Use: "task", Short: "Task operations"}

	taskEnqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			taskType, _ := cmd.Flags().GetString("type")
			priority, _ := cmd.Flags().GetString("priority")
			payload, _ := cmd.Flags().GetString("payload")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")
			userID, _ := cmd.Flags().GetString("user-id")

			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			task, err := rt.Queue.Enqueue(context.Background(), queue.Task{
				Type:       taskType,
				Priority:   prio,
				Payload:    json.RawMessage(payload),
				MaxRetries: maxRetries,
				TimeoutMs:  timeoutMs,
				UserID:     userID,
			})
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
	taskEnqueueCmd.Flags().String("type", "", "Task type (required)")
	taskEnqueueCmd.Flags().String("priority", "MEDIUM", "Priority: HIGH|MEDIUM|LOW")
	taskEnqueueCmd.Flags().String("payload", "", "JSON payload")
	taskEnqueueCmd.Flags().Int("max-retries", 0, "Retry budget (0 = queue default)")
	taskEnqueueCmd.Flags().Int64("timeout-ms", 0, "Processing timeout in ms (0 = queue default)")
	taskEnqueueCmd.Flags().String("user-id", "", "Requesting user, recorded on the task")
	_ = taskEnqueueCmd.MarkFlagRequired("type")
	taskCmd.AddCommand(taskEnqueueCmd)

	taskGetCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			task, err := rt.Queue.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
	taskCmd.AddCommand(taskGetCmd)

	taskCancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Queue.Cancel(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancelled:", args[0])
			return nil
		},
	}
	taskCmd.AddCommand(taskCancelCmd)

	taskStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and lane depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			stats, err := rt.Stats(context.Background())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	taskCmd.AddCommand(taskStatsCmd)
	rootCmd.AddCommand(taskCmd)

	// dlq commands
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead letter queue operations"}
	addFilterFlag := func(cmd *cobra.Command) {
		cmd.Flags().String("filter", "", `CEL filter, e.g. 'type == "email" && retry_count > 2'`)
	}
	compileFilter := func(cmd *cobra.Command) (*queue.Filter, error) {
		expr, _ := cmd.Flags().GetString("filter")
		return queue.NewFilter(expr)
	}

	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			f, err := compileFilter(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			entries, err := rt.Queue.ListDLQ(f)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	addFilterFlag(dlqListCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqReplayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead letters as fresh tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			f, err := compileFilter(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.Queue.ReplayDLQ(context.Background(), f)
			if err != nil {
				return err
			}
			fmt.Println("replayed:", n)
			return nil
		},
	}
	addFilterFlag(dlqReplayCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqFlushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Permanently remove dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			f, err := compileFilter(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.Queue.FlushDLQ(context.Background(), f)
			if err != nil {
				return err
			}
			fmt.Println("flushed:", n)
			return nil
		},
	}
	addFilterFlag(dlqFlushCmd)
	dlqCmd.AddCommand(dlqFlushCmd)
	rootCmd.AddCommand(dlqCmd)

	// saga commands
	sagaCmd := &cobra.Command{Use: "saga", Short: "Saga operations"}
	sagaShowCmd := &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show a saga snapshot and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, dataDir := flags(cmd)
			rt, err := openRuntime(configPath, dataDir, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			snap, err := rt.Orchestrator.Snapshot(args[0])
			if err != nil {
				return err
			}
			trail, err := rt.Audit.List(args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"snapshot": snap, "audit": trail})
		},
	}
	sagaCmd.AddCommand(sagaShowCmd)
	rootCmd.AddCommand(sagaCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
