package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/pkg/ms5"
)

func main() {
	cfg, err := ms5.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	tap, events, closeTap := ms5.NewChannelTap("fanout", 32)
	defer closeTap()

	go fanoutWorker("local-dashboard", events)

	rt, err := ms5.NewEdgeRuntime(cfg, ms5.WithEventTap(tap))
	if err != nil {
		log.Fatalf("build edge runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, events <-chan *ms5.Event) {
	for ev := range events {
		fmt.Printf("[%s] %s asset=%s seq=%d at %s\n",
			name, ev.Type, ev.AssetID, ev.Seq, time.Now().Format(time.RFC3339))
	}
}
