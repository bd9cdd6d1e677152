package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/transport"
	"github.com/kozaktomas/face-pipeline/internal/web"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an analysis worker service",
}

var workerLandmarkCmd = &cobra.Command{
	Use:   "landmark",
	Short: "Run the face landmark worker",
	Long: `Run the face landmark worker. It detects faces with the backend selected by
LANDMARK_PROVIDER (insightface or roboflow), stores the boxes under the
landmarks field and triggers the aggregator when the record is complete.

Example:
  face-pipeline worker landmark --port 50051`,
	Args: cobra.NoArgs,
	RunE: runLandmarkWorker,
}

var workerAgeGenderCmd = &cobra.Command{
	Use:   "age-gender",
	Short: "Run the age and gender worker",
	Long: `Run the age and gender worker. It estimates age bracket and gender with the
backend selected by AGE_GENDER_PROVIDER (classifier, openai, gemini, ollama
or llamacpp), stores the result under the age_gender field and triggers the
aggregator when the record is complete.

Example:
  AGE_GENDER_PROVIDER=ollama face-pipeline worker age-gender --port 50052`,
	Args: cobra.NoArgs,
	RunE: runAgeGenderWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerLandmarkCmd)
	workerCmd.AddCommand(workerAgeGenderCmd)

	for _, c := range []*cobra.Command{workerLandmarkCmd, workerAgeGenderCmd} {
		c.Flags().Int("port", 0, "Port to listen on (default: PORT, then the port of the service address)")
		c.Flags().String("join-mode", "", "Join strategy: atomic or check-sibling (overrides JOIN_MODE)")
	}
}

func runLandmarkWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadWorkerConfig(cmd)
	if err != nil {
		return err
	}
	detector, err := newLandmarkDetector(cfg)
	if err != nil {
		return err
	}
	port := resolvePort(cmd, cfg.Services.LandmarkAddr, constants.DefaultLandmarkPort)

	return runWorker(cmd.Context(), cfg, logger, port, func(opts pipeline.WorkerOptions) *pipeline.Worker {
		return pipeline.NewLandmarkWorker(detector, opts)
	}, nil)
}

func runAgeGenderWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadWorkerConfig(cmd)
	if err != nil {
		return err
	}
	estimator, err := newAgeGenderEstimator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	port := resolvePort(cmd, cfg.Services.AgeGenderAddr, constants.DefaultAgeGenderPort)

	return runWorker(cmd.Context(), cfg, logger, port, func(opts pipeline.WorkerOptions) *pipeline.Worker {
		return pipeline.NewAgeGenderWorker(estimator, opts)
	}, func() { logUsage(logger, estimator) })
}

func loadWorkerConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if mode := mustGetString(cmd, "join-mode"); mode != "" {
		cfg.Pipeline.JoinMode = mode
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}

// resolvePort prefers --port, then PORT, then the port of the service's own
// address.
func resolvePort(cmd *cobra.Command, addr string, defaultPort int) int {
	if port := mustGetInt(cmd, "port"); port > 0 {
		return port
	}
	return config.ListenPort(addr, defaultPort)
}

func runWorker(
	ctx context.Context, cfg *config.Config, logger *slog.Logger, port int,
	build func(pipeline.WorkerOptions) *pipeline.Worker, onShutdown func(),
) error {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	aggregator, err := transport.NewAggregatorClient(cfg.Services.AggregatorAddr, cfg.Pipeline.TransportTimeout)
	if err != nil {
		return fmt.Errorf("aggregator address: %w", err)
	}

	worker := build(pipeline.WorkerOptions{
		Store:          s,
		Aggregator:     aggregator,
		JoinMode:       cfg.Pipeline.JoinMode,
		BackendTimeout: cfg.Pipeline.BackendTimeout,
		Logger:         logger,
	})
	server := web.NewWorkerServer(worker, cfg.Services.Host, port, logger)

	fmt.Printf("Starting %s worker (%s, join mode %s) on http://%s\n",
		worker.Field(), worker.Backend(), worker.JoinMode(), server.Addr())
	fmt.Printf("Aggregator: %s\n", aggregator.URL())

	return serveUntilSignal(logger, func() {
		stats := worker.Stats()
		logger.Info("worker stopped",
			slog.Int64("processed", stats.Processed),
			slog.Int64("failed", stats.Failed),
			slog.Int64("joins", stats.Joins),
			slog.Int64("aggregation_failures", stats.AggregationFailures),
		)
		if onShutdown != nil {
			onShutdown()
		}
	}, server)
}
