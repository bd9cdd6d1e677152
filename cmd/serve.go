package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/store"
	"github.com/kozaktomas/face-pipeline/internal/store/backends"
	"github.com/kozaktomas/face-pipeline/internal/web"
)

// openStore connects to the partial result store named by the config.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	logger.Info("connecting to store", slog.String("backend", backends.Scheme(cfg.Store.URL)))
	s, err := backends.Open(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

// serveUntilSignal runs the servers until SIGINT or SIGTERM, then gives
// in-flight requests constants.ShutdownTimeout to finish. onShutdown runs
// after the servers have stopped.
func serveUntilSignal(logger *slog.Logger, onShutdown func(), servers ...*web.Server) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	fmt.Println("Press Ctrl+C to stop")

	var startErr error
	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case startErr = <-errChan:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer shutdownCancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	}
	wg.Wait()

	if onShutdown != nil {
		onShutdown()
	}
	return startErr
}
