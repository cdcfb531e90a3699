package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ridgelinehq/wsrelay/internal/relay"
)

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			log.Printf("signal received; cancelling main ctx")
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
		return
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigIntHandler(ctx, cancel)

	cfg := relay.LoadConfig()
	srv := relay.NewServer(cfg)

	if err := srv.Run(ctx, "0.0.0.0:"+cfg.ServicePort); err != nil {
		log.Printf("relay exited with: %s -- closing", err)
		srv.Close()
		os.Exit(1)
	}
}
