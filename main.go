package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := Load()

	if err := checkExternalTools(cfg); err != nil {
		log.Fatalf("startup: %v", err)
	}

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer srv.redis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.startWorkers(ctx)
	go srv.cache.Run(ctx)
	go srv.runJobCleanup(ctx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Printf("listening on %s with %d workers", cfg.ListenAddr, cfg.WorkerCount)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	cancel()
}
