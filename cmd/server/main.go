package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/internal/api/rest"
	"github.com/Dhoini/premium-gate/internal/app"
	"github.com/Dhoini/premium-gate/internal/config"
	"github.com/Dhoini/premium-gate/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "path to .env file (ignored in production)")
	flag.Parse()

	bootLog := logger.New(logger.INFO)

	// Загрузка конфигурации
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		bootLog.Fatal("Failed to load configuration: %v", err)
	}

	// Инициализация логгера
	var log *logger.Logger
	if cfg.IsProduction() {
		log = logger.NewProduction(logger.ParseLevel(cfg.App.LogLevel))
		gin.SetMode(gin.ReleaseMode)
	} else {
		log = logger.New(logger.ParseLevel(cfg.App.LogLevel))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}

	server := rest.NewServer(application.Router, rest.ServerConfig{
		Port:         cfg.App.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Errorw("Server error", "error", err)
		}
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	exitCode := 0
	if err := server.Shutdown(ctxShutdown); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("Server forced to shutdown", "error", err)
		exitCode = 1
	}
	if err := application.Close(); err != nil {
		exitCode = 1
	}

	log.Info("Server stopped gracefully")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
