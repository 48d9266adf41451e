package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/config"
)

var (
	strategyFlag string
	workersFlag  int
)

func runPipeline(path, runID string) error {
	pipeline, err := config.ParseFile(path)
	if err != nil {
		return fmt.Errorf("error loading pipeline: %v", err)
	}
	if strategyFlag != "" {
		pipeline.Strategy = strategyFlag
	}
	if workersFlag > 0 {
		pipeline.Workers = workersFlag
	}
	if err := pipeline.Validate(); err != nil {
		return err
	}

	s, _, err := pipeline.BuildSupervisor(newLogger())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	stages := pipeline.BuildStages()

	fmt.Printf("Running pipeline %s (%d stages, %s strategy)\n",
		infoStyle.Sprint(pipeline.Name), len(stages), pipeline.BuildStrategy(nil).Name())

	var result *artemis.PipelineResult
	if runID != "" {
		result, err = s.Resume(ctx, runID, stages, pipeline.Input)
	} else {
		result, err = s.Run(ctx, stages, pipeline.Input)
	}
	printRunSummary(result)
	if err != nil {
		return fmt.Errorf("pipeline failed: %v", err)
	}
	return nil
}

func printRunSummary(result *artemis.PipelineResult) {
	if result == nil {
		return
	}

	fmt.Println()
	names := make([]string, 0, len(result.Results))
	for name := range result.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		output := result.Results[name]
		if output["status"] == string(artemis.StageStatusFail) {
			fmt.Printf("  %s %s  %s\n", errorStyle.Sprint(xmark), name,
				mutedStyle.Sprintf("%v", output["error"]))
			continue
		}
		line := fmt.Sprintf("  %s %s", successStyle.Sprint(checkmark), name)
		if retries, ok := output["retry_count"]; ok {
			line += warningStyle.Sprintf("  (retries: %v)", retries)
		}
		fmt.Println(line)
	}

	fmt.Println()
	duration := result.Duration().Round(time.Millisecond)
	if result.Success {
		fmt.Printf("%s run %s completed in %s\n",
			successStyle.Sprint(checkmark), result.RunID, duration)
	} else {
		fmt.Printf("%s run %s failed after %s\n",
			errorStyle.Sprint(xmark), result.RunID, duration)
		if result.Err != nil {
			fmt.Printf("  %s\n", errorStyle.Sprint(result.Err))
		}
	}
}

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a pipeline defined in a YAML or JSON file",
	Long: `Run a pipeline defined in a YAML or JSON file.
Stages execute under the pipeline's configured strategy with full
supervision; a checkpointed pipeline can later be resumed by run ID.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], "")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [file] [run-id]",
	Short: "Resume a checkpointed pipeline run",
	Long: `Resume a checkpointed pipeline run. Stages recorded as completed in
the run's checkpoint are skipped; execution continues from the first
unfinished stage.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().StringVar(&strategyFlag, "strategy", "",
			"Override the pipeline's strategy (standard, fast, parallel, checkpointed)")
		cmd.Flags().IntVar(&workersFlag, "workers", 0,
			"Override the parallel strategy's worker count")
	}
}
