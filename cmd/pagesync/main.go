package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagesync/internal/pagesync"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("PAGESYNC_CONFIG", "pagesync.yaml"), "path to pagesync.yaml")
	flag.Parse()

	cfg, err := pagesync.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := pagesync.SetupTracing(ctx, cfg.Env.OTLPEndpoint, "pagesync")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	svc, err := pagesync.NewService(cfg, pagesync.Options{})
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Server.Addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	svc.Start()

	go func() {
		log.Printf("pagesync listening on %s, origin=%s", cfg.Server.Addr, cfg.Origin.Kind)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
