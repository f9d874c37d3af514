package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmoressi/ordino/internal/app"
	"github.com/lmoressi/ordino/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	result, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: result.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	result.Buffer.StartJanitor(runCtx, cfg.JanitorTick)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := result.Cleanup(); err != nil {
		log.Printf("cleanup error: %v", err)
	}

	log.Printf("shutdown complete")
}
