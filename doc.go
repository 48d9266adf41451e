// Package artemis provides a Go library for orchestrating and supervising
// multi-stage pipelines whose stages are expensive, fallible units of work.
// It takes a library-first approach: pipelines are plain Go values and the
// supervision machinery is wired with constructor parameters, never globals.
//
// The core types are:
//
//   - [Stage] is one named unit of pipeline work behind a single execute
//     entry point.
//   - [StageResult] and [PipelineResult] carry stage and run outcomes.
//   - Error types ([StageExecutionError], [CircuitOpenError],
//     [CheckpointCorruptionError], [RecoveryExhaustedError]) classify
//     failures for the recovery machinery.
//
// # Quick Start
//
//	s := supervisor.New(supervisor.Options{})
//	defer s.Close()
//	result, _ := s.Run(ctx, []artemis.Stage{
//	    artemis.NewStage("build", buildFn),
//	    artemis.NewStage("test", testFn),
//	}, nil)
//	fmt.Println(result.Success)
//
// Execution strategies are in [github.com/redmage123/artemis-sub002/execution],
// durable checkpointing in [github.com/redmage123/artemis-sub002/checkpoint],
// and the supervision facade in [github.com/redmage123/artemis-sub002/supervisor].
package artemis
