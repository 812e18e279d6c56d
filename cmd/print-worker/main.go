// Sushiamo desktop print bridge.
//
// Bridges the cloud print queue to the restaurant's LAN: claims kitchen,
// fiscal, and courtesy receipt jobs, drives thermal printers and RT
// devices, and serves the shell's control surface on loopback.
//
// Usage:
//
//	print-worker --config ~/.config/sushiamo-bridge/bridge.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushiamo/desktop-bridge/internal/control"
	"github.com/sushiamo/desktop-bridge/internal/worker"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	flagConfig  = flag.String("config", "", "Config file path (YAML)")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("print-worker %s", Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := worker.LoadBridgeConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	w := worker.New(*cfg, Version)
	if state := w.PublicState(); state.Config.AutoStart {
		w.StartService()
	}

	srv := control.New(w, cfg.ListenAddr, Version)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Control server failed: %v", err)
		}
		return
	}

	// Stop the service first so the farewell heartbeat goes out, then
	// drain the control server.
	w.StopService()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Control server shutdown: %v", err)
	}
}
