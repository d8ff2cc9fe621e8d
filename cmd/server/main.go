// Command server runs the development agent backend: the hub websocket
// endpoint, a sqlite thread store and an echo responder.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/sessionhub/api/handlers"
	"github.com/remote-agent-terminal/sessionhub/internal/config"
	"github.com/remote-agent-terminal/sessionhub/internal/db"
	"github.com/remote-agent-terminal/sessionhub/internal/logger"
	"github.com/remote-agent-terminal/sessionhub/internal/repository"
	"github.com/remote-agent-terminal/sessionhub/internal/ws"
)

func main() {
	var (
		configPath string
		prefix     string
	)

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the development agent backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, prefix)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")
	cmd.Flags().StringVar(&prefix, "echo-prefix", "echo: ", "prefix of echoed replies")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, prefix string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if dir := filepath.Dir(cfg.Server.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := db.InitDB(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	repo := repository.NewThreadRepository(database)

	wsConfig := ws.DefaultConfig()
	wsConfig.ReplayPageSize = cfg.Hub.HistoryPageSize
	service := ws.NewService(wsConfig, repo, ws.EchoResponder{Prefix: prefix}, logger.Component(log, "backend"))
	defer service.Close()

	router := handlers.NewRouter(repo, service, logger.Component(log, "http"))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("db", cfg.Server.DBPath).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-sigCh:
	}
	log.Info().Msg("shutting down server")

	service.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
