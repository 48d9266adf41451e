package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/redmage123/artemis-sub002/checkpoint"
	"github.com/redmage123/artemis-sub002/config"
)

var checkpointDirFlag string

// getCheckpointStore opens the store behind --checkpoint-dir: a .db path is
// a SQLite database, anything else a directory of JSON checkpoint files.
func getCheckpointStore() (checkpoint.Store, error) {
	if checkpointDirFlag == "" {
		return nil, fmt.Errorf("--checkpoint-dir is required")
	}
	if _, err := os.Stat(checkpointDirFlag); os.IsNotExist(err) {
		return nil, fmt.Errorf("checkpoint store not found: %s\nRun a checkpointed pipeline with 'artemis run' to create one", checkpointDirFlag)
	}
	pipeline := &config.Pipeline{CheckpointDir: checkpointDirFlag}
	return pipeline.BuildCheckpointStore()
}

func listExecutions() error {
	store, err := getCheckpointStore()
	if err != nil {
		return err
	}

	checkpoints, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("error listing checkpoints: %v", err)
	}
	if len(checkpoints) == 0 {
		fmt.Println("No checkpointed runs found.")
		return nil
	}

	fmt.Printf("%-40s %-20s %-10s %-20s\n", "RUN ID", "PIPELINE", "STAGES", "UPDATED")
	fmt.Println(strings.Repeat("-", 95))
	for _, cp := range checkpoints {
		progress := fmt.Sprintf("%d/%d", cp.LastCompletedIndex+1, len(cp.StageOrder))
		updated := ""
		if !cp.UpdatedAt.IsZero() {
			updated = cp.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-40s %-20s %-10s %-20s\n",
			cp.RunID, truncate(cp.PipelineName, 20), progress, updated)
	}
	return nil
}

func showExecution(runID string) error {
	store, err := getCheckpointStore()
	if err != nil {
		return err
	}

	cp, err := store.Load(context.Background(), runID)
	if err != nil {
		return fmt.Errorf("error loading checkpoint: %v", err)
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint found for run %s", runID)
	}

	fmt.Printf("Run ID:       %s\n", cp.RunID)
	if cp.PipelineName != "" {
		fmt.Printf("Pipeline:     %s\n", cp.PipelineName)
	}
	fmt.Printf("Progress:     %d of %d stages\n", cp.LastCompletedIndex+1, len(cp.StageOrder))
	if !cp.CreatedAt.IsZero() {
		fmt.Printf("Created:      %s\n", cp.CreatedAt.Format(time.RFC3339))
	}
	if !cp.UpdatedAt.IsZero() {
		fmt.Printf("Updated:      %s\n", cp.UpdatedAt.Format(time.RFC3339))
	}

	fmt.Println("\nStages:")
	for i, name := range cp.StageOrder {
		if i <= cp.LastCompletedIndex {
			fmt.Printf("  %s %s\n", successStyle.Sprint(checkmark), name)
		} else {
			fmt.Printf("  %s %s\n", mutedStyle.Sprint("•"), name)
		}
	}

	if len(cp.StageResults) > 0 {
		fmt.Println("\nResults:")
		names := make([]string, 0, len(cp.StageResults))
		for name := range cp.StageResults {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s:\n", name)
			for key, value := range cp.StageResults[name] {
				fmt.Printf("    %s: %v\n", key, value)
			}
		}
	}
	if n := len(cp.ResponseCache); n > 0 {
		fmt.Printf("\nCached responses: %d\n", n)
	}
	return nil
}

func deleteExecution(runID string) error {
	store, err := getCheckpointStore()
	if err != nil {
		return err
	}
	if err := store.Delete(context.Background(), runID); err != nil {
		return fmt.Errorf("error deleting checkpoint: %v", err)
	}
	fmt.Printf("%s deleted checkpoint for run %s\n", successStyle.Sprint(checkmark), runID)
	return nil
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect checkpointed pipeline runs",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listExecutions()
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run's checkpoint in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showExecution(args[0])
	},
}

var executionsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete one run's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteExecution(args[0])
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsShowCmd)
	executionsCmd.AddCommand(executionsDeleteCmd)
	executionsCmd.PersistentFlags().StringVar(&checkpointDirFlag, "checkpoint-dir", "",
		"Checkpoint directory or SQLite database path")
}
