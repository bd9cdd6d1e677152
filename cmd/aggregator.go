package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/artifact"
	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/web"
)

var aggregatorCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Run the aggregator service",
	Long: `Run the aggregator. When a worker completes a record it calls the aggregator,
which reads both partial results from the store and writes <id>.jpg and
<id>.json into OUTPUT_DIRECTORY.

Example:
  face-pipeline aggregator --output ./output`,
	Args: cobra.NoArgs,
	RunE: runAggregator,
}

func init() {
	rootCmd.AddCommand(aggregatorCmd)
	aggregatorCmd.Flags().Int("port", 0, "Port to listen on (default: PORT, then the port of AGGREGATOR_SERVICE_ADDR)")
	aggregatorCmd.Flags().String("output", "", "Output directory (overrides OUTPUT_DIRECTORY)")
}

func runAggregator(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if output := mustGetString(cmd, "output"); output != "" {
		cfg.Pipeline.OutputDirectory = output
	}

	s, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	sink, err := artifact.NewFileSink(cfg.Pipeline.OutputDirectory, logger)
	if err != nil {
		return err
	}
	aggregator := pipeline.NewAggregator(s, sink, logger)

	port := resolvePort(cmd, cfg.Services.AggregatorAddr, constants.DefaultAggregatorPort)
	server := web.NewAggregatorServer(aggregator, cfg.Services.Host, port, logger)

	fmt.Printf("Starting aggregator on http://%s\n", server.Addr())
	fmt.Printf("Writing artifacts to %s\n", sink.Dir())

	return serveUntilSignal(logger, nil, server)
}
