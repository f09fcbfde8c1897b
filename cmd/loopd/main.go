package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ent0n29/loopd/internal/app"
	"github.com/ent0n29/loopd/internal/config"
	"github.com/ent0n29/loopd/internal/logging"
)

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Config{})
		boot.Fatal().Err(err).Msg("config error")
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	built, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go built.Scheduler.Run(loopCtx)

	// runCtx ends before loopCtx so the final snapshot can still reach the scheduler.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if n := built.TaskService.Rehydrate(runCtx); n > 0 {
		log.Info().Int("tasks", n).Msg("reloaded persistent tasks")
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		built.TaskService.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	runCancel()
	<-runDone
	loopCancel()
	<-built.Scheduler.Done()

	log.Info().Msg("shutdown complete")
}
