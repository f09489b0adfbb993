package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/app"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/observability"
)

var flagAutoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the outbox worker",
	RunE:  serve,
}

func init() {
	serveCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", false, "run database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg.Monitoring.Tracing)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := app.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	if flagAutoMigrate {
		if err := app.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	a := app.New(cfg, db, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.StartWorkers(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("Server exited")
	return nil
}
