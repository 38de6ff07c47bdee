// Package main starts the habit sync API server: configuration, logging,
// the PostgreSQL connection, repositories, services, handlers and
// optionally TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/config"
	"github.com/quanta/habitsync/internal/db"
	"github.com/quanta/habitsync/internal/logger"
	"github.com/quanta/habitsync/internal/repository"
	"github.com/quanta/habitsync/internal/server/handler/http"
	"github.com/quanta/habitsync/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:           "habitsync-server",
		Short:         "Serve the habit sync REST API",
		Version:       cmp.Or(version, "N/A"),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(viper.New(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to the JSON config file")
	flags.StringP("address", "a", "localhost:8080", "listening address")
	flags.StringP("database-dsn", "d", "", "PostgreSQL connection string")
	flags.Duration("tombstone-retention", 30*24*time.Hour, "how long deleted entities are kept")
	flags.Duration("cleanup-interval", time.Hour, "how often deleted entities are purged")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS private key file")
	flags.String("log-level", "info", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Server) error {
	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	if err := log.Init(cfg.LogLevel); err != nil {
		return err
	}
	defer func() { _ = log.Log.Sync() }()
	zapLogger := log.Log

	postgresDB, err := db.InitPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("cannot init database: %w", err)
	}
	defer postgresDB.Close()

	db.StartSoftDeleteCleaner(ctx, postgresDB, cfg.CleanupInterval, cfg.TombstoneRetention, zapLogger)

	authService := service.NewAuthService(repository.NewPostgresAuthRepository(postgresDB))
	entityService := service.NewEntityService(repository.NewPostgresEntityRepository(postgresDB))

	router := http.NewRouter(
		&http.AuthHandler{AuthService: authService},
		&http.EntityHandler{EntityService: entityService},
		&http.HealthHandler{DB: postgresDB},
		authService,
		zapLogger,
	)

	server := &nethttp.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSCert != "" {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errc := make(chan error, 1)
	go func() {
		if server.TLSConfig != nil {
			zapLogger.Info("starting HTTPS server", zap.String("addr", cfg.Address))
			errc <- server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		zapLogger.Info("starting HTTP server", zap.String("addr", cfg.Address))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
