// Package main запускает HTTP-сервер движка кэшбэка.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cashback-engine/internal/config"
	"github.com/mmeshcher/cashback-engine/internal/handler"
	"github.com/mmeshcher/cashback-engine/internal/middleware"
	"github.com/mmeshcher/cashback-engine/internal/repository"
	"github.com/mmeshcher/cashback-engine/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	svc := service.NewService(repo, logger)
	defer svc.Close()

	if cfg.StoreTokenSecret == "" {
		sugar.Warn("store token secret is not set, tokens will not survive a restart")
	}
	storeMiddleware := middleware.NewStoreMiddleware(cfg.StoreTokenSecret)
	h := handler.NewHandler(svc, logger, storeMiddleware, cfg.AllowedOrigins())

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая сверка просроченного кэшбэка
	g.Go(func() error {
		if cfg.ExpireInterval <= 0 {
			sugar.Info("cashback expiration scheduler disabled")
			return nil
		}
		sugar.Infow("starting cashback expiration scheduler", "interval", cfg.ExpireInterval.String())
		svc.RunExpiration(ctx, cfg.ExpireInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cashback server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
