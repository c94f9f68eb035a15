package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytun/tunneld/internal/api"
	"github.com/relaytun/tunneld/internal/config"
	"github.com/relaytun/tunneld/internal/store"
	"github.com/relaytun/tunneld/internal/tunnel"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	tunnelServer := tunnel.NewServer(*cfg, st)

	// Re-start listeners for tunnels that were active before this restart
	if err := tunnelServer.RestoreActiveTunnels(ctx); err != nil {
		log.Printf("Failed to restore active tunnels: %v", err)
	}

	controlSrv := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: tunnelServer,
	}
	go func() {
		log.Printf("Tunnel control channel listening on %s", cfg.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start control server: %v", err)
		}
	}()

	apiHandler := api.NewHandler(tunnelServer.Controller(), st)
	router := api.NewRouter(apiHandler)
	observabilitySrv := &http.Server{
		Addr:    cfg.ObservabilityAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Observability surface listening on %s", cfg.ObservabilityAddr)
		if err := observabilitySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start observability server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	controlSrv.Shutdown(shutdownCtx)
	observabilitySrv.Shutdown(shutdownCtx)
}
