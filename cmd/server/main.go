// Command stationsync-server starts the score ingestion server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/trailband/stationsync/internal/config"
	"github.com/trailband/stationsync/internal/limiter"
	"github.com/trailband/stationsync/internal/migrate"
	"github.com/trailband/stationsync/internal/repository/postgres"
	"github.com/trailband/stationsync/internal/server/httpapi"
	"github.com/trailband/stationsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and starts the HTTP server
// with graceful shutdown.
func main() {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	if cfg.JWTKey == "" {
		logger.Fatal("missing JWT_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	judgeRepo := postgres.NewJudgeRepo(db)
	sessionRepo := postgres.NewSessionRepo(db)
	rosterRepo := postgres.NewRosterRepo(db)
	scoreRepo := postgres.NewScoreRepo(db)

	lim := limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute)

	authSvc := service.NewAuthService(judgeRepo, sessionRepo, rosterRepo,
		[]byte(cfg.JWTKey), cfg.AccessTTL, cfg.RefreshTTL, lim, cfg.PatrolTTL)
	ingestSvc := service.NewIngestService(sessionRepo, rosterRepo, scoreRepo, cfg.MaxBatch)

	api := httpapi.NewServer(authSvc, ingestSvc, []byte(cfg.JWTKey), logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
