package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/deepnoodle-ai/rewind"
	"github.com/fatih/color"
)

// CLI configuration
type cliConfig struct {
	ConfigFile string
	DataDir    string
	Database   string
	JSON       bool
	Verbose    bool
}

func main() {
	config := parseFlags()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	runtime, err := loadRuntimeConfig(config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	switch args[0] {
	case "list":
		err = listExecutions(ctx, config, runtime)
	case "show":
		err = withExecutionArg(args, func(executionID string) error {
			return showExecution(ctx, config, runtime, executionID)
		})
	case "checkpoints":
		err = withExecutionArg(args, func(executionID string) error {
			return showCheckpoints(ctx, config, runtime, executionID)
		})
	case "rollbacks":
		err = withExecutionArg(args, func(executionID string) error {
			return showRollbacks(ctx, config, runtime, executionID)
		})
	case "demo":
		err = runDemo(ctx, config, runtime)
	default:
		color.Red("Unknown command: %s", args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func parseFlags() *cliConfig {
	config := &cliConfig{}
	flag.StringVar(&config.ConfigFile, "config", "", "YAML configuration file")
	flag.StringVar(&config.DataDir, "dir", "", "File store data directory")
	flag.StringVar(&config.Database, "db", "", "SQLite database path")
	flag.BoolVar(&config.JSON, "json", false, "Output JSON instead of text")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rewind [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list                       List executions with recorded history\n")
		fmt.Fprintf(os.Stderr, "  show <execution-id>        Print an execution's snapshot history\n")
		fmt.Fprintf(os.Stderr, "  checkpoints <execution-id> Print an execution's rollback points\n")
		fmt.Fprintf(os.Stderr, "  rollbacks <execution-id>   Print an execution's rollback audit trail\n")
		fmt.Fprintf(os.Stderr, "  demo                       Run a scripted execution with replay and rollback\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return config
}

func loadRuntimeConfig(config *cliConfig) (*rewind.Config, error) {
	if config.ConfigFile == "" {
		return rewind.DefaultConfig(), nil
	}
	return rewind.LoadConfig(config.ConfigFile)
}

func withExecutionArg(args []string, fn func(executionID string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("execution id is required")
	}
	return fn(args[1])
}

// inspectionStore is the read surface the inspection commands need. Both
// the file and sqlite stores satisfy it.
type inspectionStore interface {
	rewind.SnapshotStore
	rewind.RollbackLog
	ListExecutions(ctx context.Context) ([]*rewind.ExecutionSummary, error)
}

func openStore(config *cliConfig) (inspectionStore, error) {
	switch {
	case config.Database != "":
		return rewind.NewSQLiteSnapshotStore(config.Database)
	case config.DataDir != "":
		return rewind.NewFileSnapshotStore(config.DataDir)
	default:
		return nil, fmt.Errorf("either -dir or -db is required")
	}
}

func setupLogger(verbose bool) *slog.Logger {
	if verbose {
		return rewind.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func listExecutions(ctx context.Context, config *cliConfig, runtime *rewind.Config) error {
	store, err := openStore(config)
	if err != nil {
		return err
	}
	summaries, err := store.ListExecutions(ctx)
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(summaries)
	}
	if len(summaries) == 0 {
		color.Yellow("No executions recorded")
		return nil
	}
	for _, summary := range summaries {
		color.Cyan("%s", summary.ExecutionID)
		fmt.Printf("  steps: %d  checkpoints: %d  last step: %d  updated: %s\n",
			summary.StepCount, summary.CheckpointCount, summary.LastStep,
			summary.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func showExecution(ctx context.Context, config *cliConfig, runtime *rewind.Config, executionID string) error {
	store, err := openStore(config)
	if err != nil {
		return err
	}
	snapshots, err := store.List(ctx, executionID, rewind.ListRange{})
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(snapshots)
	}
	if len(snapshots) == 0 {
		color.Yellow("No snapshots recorded for %s", executionID)
		return nil
	}
	color.Cyan("Execution: %s", executionID)
	for _, snapshot := range snapshots {
		marker := " "
		if snapshot.IsCheckpoint {
			marker = "*"
		}
		fmt.Printf("  %s step %4d  %s  %s  %d bytes\n",
			marker, snapshot.StepIndex,
			snapshot.Timestamp.Format(time.RFC3339),
			snapshot.ID, len(snapshot.State))
	}
	color.White("(* = checkpoint)")
	return nil
}

func showCheckpoints(ctx context.Context, config *cliConfig, runtime *rewind.Config, executionID string) error {
	store, err := openStore(config)
	if err != nil {
		return err
	}
	checkpoints, err := store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(checkpoints)
	}
	if len(checkpoints) == 0 {
		color.Yellow("No rollback points for %s", executionID)
		return nil
	}
	color.Cyan("Rollback points for %s:", executionID)
	for _, checkpoint := range checkpoints {
		fmt.Printf("  step %4d  %s  %s\n",
			checkpoint.StepIndex,
			checkpoint.Timestamp.Format(time.RFC3339),
			checkpoint.ID)
	}
	return nil
}

func showRollbacks(ctx context.Context, config *cliConfig, runtime *rewind.Config, executionID string) error {
	store, err := openStore(config)
	if err != nil {
		return err
	}
	records, err := store.ListRollbacks(ctx, executionID)
	if err != nil {
		return err
	}
	if config.JSON {
		return printJSON(records)
	}
	if len(records) == 0 {
		color.Yellow("No rollbacks recorded for %s", executionID)
		return nil
	}
	color.Cyan("Rollbacks for %s:", executionID)
	for _, record := range records {
		line := fmt.Sprintf("  %s  -> %s  %s  (%s)",
			record.RolledBackAt.Format(time.RFC3339),
			record.CheckpointID, record.Outcome, record.Reason)
		if record.Outcome == rewind.RollbackSucceeded {
			color.Green("%s", line)
		} else {
			color.Red("%s", line)
		}
	}
	return nil
}

// runDemo drives a synthetic ten-step execution through record, pause,
// resume, rollback, and replay, writing to the selected store.
func runDemo(ctx context.Context, config *cliConfig, runtime *rewind.Config) error {
	logger := setupLogger(config.Verbose)

	var store rewind.SnapshotStore = rewind.NewMemorySnapshotStore()
	var rollbackLog rewind.RollbackLog = rewind.NewMemoryRollbackLog()
	if config.DataDir != "" || config.Database != "" {
		opened, err := openStore(config)
		if err != nil {
			return err
		}
		store = opened
		rollbackLog = opened
	}

	policy := runtime.Checkpoint
	engine, err := rewind.NewEngine(rewind.EngineOptions{
		Store:       store,
		Policy:      &policy,
		Logger:      logger,
		LockTimeout: runtime.LockTimeout,
	})
	if err != nil {
		return err
	}

	const totalSteps = 10
	execution, err := engine.Start(ctx, rewind.StartOptions{
		WorkflowID: "demo-workflow",
		TotalSteps: totalSteps,
	})
	if err != nil {
		return err
	}
	color.Blue("Started execution %s", execution.ID)

	for i := 0; i < totalSteps; i++ {
		state, _ := json.Marshal(map[string]any{"counter": i * i, "step": i})
		snapshot, err := engine.RecordStep(ctx, execution.ID, rewind.StepRecord{
			StepIndex:         i,
			State:             state,
			Metadata:          map[string]string{"source": "demo"},
			RequestCheckpoint: i == 5,
		})
		if err != nil {
			return err
		}
		if snapshot.IsCheckpoint {
			color.Green("Recorded step %d (checkpoint %s)", i, snapshot.ID)
		} else {
			fmt.Printf("Recorded step %d\n", i)
		}
	}

	// Walk the history backwards with a replay session.
	sessions, err := rewind.NewSessionManager(rewind.SessionManagerOptions{
		Store:            store,
		Executions:       engine,
		Logger:           logger,
		BaseTickInterval: runtime.Replay.BaseTickInterval,
		SessionTTL:       runtime.Replay.SessionTTL,
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	session, err := sessions.CreateSession(ctx, execution.ID)
	if err != nil {
		return err
	}
	color.Blue("Replay session %s at step %d", session.ID, session.CurrentStep)
	for {
		snapshot, err := sessions.GetCurrentState(ctx, session.ID)
		if err != nil {
			return err
		}
		fmt.Printf("  step %d: %s\n", snapshot.StepIndex, snapshot.State)
		if snapshot.StepIndex == 0 {
			break
		}
		if _, err := sessions.StepBackward(ctx, session.ID); err != nil {
			return err
		}
	}
	sessions.DestroySession(session.ID)

	// Completed executions cannot be rolled back, so demonstrate rollback on
	// a second, still-running execution.
	second, err := engine.Start(ctx, rewind.StartOptions{WorkflowID: "demo-workflow"})
	if err != nil {
		return err
	}
	for i := 0; i < 6; i++ {
		state, _ := json.Marshal(map[string]any{"step": i})
		if _, err := engine.RecordStep(ctx, second.ID, rewind.StepRecord{
			StepIndex:         i,
			State:             state,
			RequestCheckpoint: i == 2,
		}); err != nil {
			return err
		}
	}

	rollbacks, err := rewind.NewRollbackManager(rewind.RollbackManagerOptions{
		Engine: engine,
		Log:    rollbackLog,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	points, err := rollbacks.RollbackPoints(ctx, second.ID)
	if err != nil {
		return err
	}
	target := points[len(points)-1]
	if err := rollbacks.RollbackToCheckpoint(ctx, second.ID, target.ID,
		"demo: rewinding to last checkpoint"); err != nil {
		return err
	}
	restored, err := engine.GetExecution(second.ID)
	if err != nil {
		return err
	}
	color.Green("Rolled back %s to step %d (status %s)",
		second.ID, restored.CurrentStep, restored.Status)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
