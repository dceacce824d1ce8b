// Package commands provides the relayd CLI's root command.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycode/relayd/internal/backend"
	"github.com/relaycode/relayd/internal/config"
	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/lifecycle"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/wireserver"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var (
	configPath string
	dataDir    string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:     "relayd",
	Short:   "Multi-client assistant session daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to relayd.yaml (default: <data-dir>/relayd.yaml)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "daemon data directory (default: $RELAYD_DATA_DIR or ~/.relayd)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	if dataDir != "" {
		os.Setenv("RELAYD_DATA_DIR", dataDir)
	}
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if configPath == "" {
		configPath = paths.ConfigFilePath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Output:    os.Stderr,
		LogToFile: true,
		LogDir:    paths.LogFilePath(),
	})
	if err := os.MkdirAll(paths.LogFilePath(), 0755); err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to create log directory")
	}

	logging.Logger.Info().Str("version", Version).Str("data_dir", paths.Data).Msg("relayd starting")

	log, err := eventlog.Open(paths.EventLogDBPath(), cfg.EventBufferSize)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer log.Close()

	store, err := historystore.Open(paths.HistoryDBPath(), paths.SearchIndexPath())
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	sm := session.NewManager(log, store, backendFactory(cfg))
	lm := lifecycle.New(sm, log)
	srv := wireserver.New(sm, log, lm)

	errCh := make(chan error, 1)
	go func() {
		logging.Logger.Info().Str("addr", cfg.ListenAddr).Msg("wire server listening")
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logging.Logger.Error().Err(err).Msg("wire server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Warn().Err(err).Msg("wire server shutdown error")
	}

	logging.Logger.Info().Msg("relayd stopped")
	return nil
}

// backendFactory builds the production PTYBackend factory when an
// assistant command is configured, falling back to an unscripted
// MockBackend (useful for exercising the daemon without a real assistant
// installed) when it is not.
func backendFactory(cfg config.Config) session.BackendFactory {
	if len(cfg.AssistantCommand) == 0 {
		logging.Logger.Warn().Msg("no assistant_command configured, sessions will use a no-op mock backend")
		return func(sessionID string) (backend.Backend, error) {
			return backend.NewMockBackend(nil), nil
		}
	}
	return func(sessionID string) (backend.Backend, error) {
		return backend.NewPTYBackend(sessionID, cfg.AssistantCommand, cfg.AssistantWorkDir)
	}
}
