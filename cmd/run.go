package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/artifact"
	"github.com/kozaktomas/face-pipeline/internal/dispatch"
	"github.com/kozaktomas/face-pipeline/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole pipeline in one process",
	Long: `Run both workers, the aggregator and the dispatcher in one process. The
services talk through the configured store exactly as they do when deployed
separately, but without HTTP between them. The default memory:// store is
enough for this mode.

Examples:
  face-pipeline run --input ./input --output ./output
  face-pipeline run --watch --join-mode check-sibling`,
	Args: cobra.NoArgs,
	RunE: runAll,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addDispatchFlags(runCmd)
	runCmd.Flags().String("output", "", "Output directory (overrides OUTPUT_DIRECTORY)")
	runCmd.Flags().String("join-mode", "", "Join strategy: atomic or check-sibling (overrides JOIN_MODE)")
}

func runAll(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadWorkerConfig(cmd)
	if err != nil {
		return err
	}
	applyDispatchFlags(cmd, cfg)
	if output := mustGetString(cmd, "output"); output != "" {
		cfg.Pipeline.OutputDirectory = output
	}

	detector, err := newLandmarkDetector(cfg)
	if err != nil {
		return err
	}
	estimator, err := newAgeGenderEstimator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer logUsage(logger, estimator)

	s, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	sink, err := artifact.NewFileSink(cfg.Pipeline.OutputDirectory, logger)
	if err != nil {
		return err
	}

	opts := pipeline.WorkerOptions{
		Store:          s,
		Aggregator:     pipeline.NewAggregator(s, sink, logger),
		JoinMode:       cfg.Pipeline.JoinMode,
		BackendTimeout: cfg.Pipeline.BackendTimeout,
		Logger:         logger,
	}
	landmark := pipeline.NewLandmarkWorker(detector, opts)
	ageGender := pipeline.NewAgeGenderWorker(estimator, opts)

	fmt.Printf("Landmarks: %s, age/gender: %s, join mode: %s\n", landmark.Backend(), ageGender.Backend(), landmark.JoinMode())
	fmt.Printf("Writing artifacts to %s\n", sink.Dir())

	if err := dispatchImages(cmd, cfg, logger, dispatch.Local(landmark), dispatch.Local(ageGender)); err != nil {
		return err
	}

	joins := landmark.Stats().Joins + ageGender.Stats().Joins
	failures := landmark.Stats().AggregationFailures + ageGender.Stats().AggregationFailures
	fmt.Printf("Triggered %d aggregation(s), %d failed\n", joins, failures)
	return nil
}
