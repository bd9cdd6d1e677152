package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Maintain the partial result store",
}

var storeInspectCmd = &cobra.Command{
	Use:   "inspect <id>",
	Short: "Show which partial results are stored for a work item",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreInspect,
}

var storePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete partial results older than a given age",
	Long: `Delete records whose last write is older than --older-than. Redis expires
records on its own through STORE_TTL; SQL backends keep them until pruned.

Example:
  face-pipeline store prune --older-than 48h`,
	Args: cobra.NoArgs,
	RunE: runStorePrune,
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeInspectCmd)
	storeCmd.AddCommand(storePruneCmd)
	storePruneCmd.Flags().Duration("older-than", 0, "Minimum age of pruned records (default: STORE_TTL)")
}

func runStoreInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	id := args[0]
	fmt.Printf("%s\n", store.Key(id))
	for _, field := range store.Fields {
		payload, err := s.Get(cmd.Context(), id, field)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Printf("  %-11s missing\n", field)
		case err != nil:
			return fmt.Errorf("read %s: %w", field, err)
		default:
			fmt.Printf("  %-11s %s\n", field, payload)
		}
	}
	return nil
}

func runStorePrune(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	olderThan := mustGetDuration(cmd, "older-than")
	if olderThan <= 0 {
		olderThan = cfg.Store.TTL
	}

	s, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	pruner, ok := s.(store.Pruner)
	if !ok {
		fmt.Println("This store expires records on its own; nothing to prune.")
		return nil
	}
	n, err := pruner.Prune(cmd.Context(), olderThan)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Printf("Pruned %d record(s) older than %s\n", n, olderThan.Round(time.Second))
	return nil
}
