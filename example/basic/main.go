package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/pkg/ms5"
)

func main() {
	cfg, err := ms5.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rt, err := ms5.NewEdgeRuntime(cfg)
	if err != nil {
		log.Fatalf("build edge runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("edge runtime exited: %v", err)
	}
}
