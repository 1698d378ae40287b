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

	tap := ms5.NewCallbackTap("stdout", func(ev *ms5.Event) error {
		fmt.Printf("%s asset=%s seq=%d type=%s\n",
			ev.Timestamp.Format(time.RFC3339Nano),
			ev.AssetID,
			ev.Seq,
			ev.Type,
		)
		return nil
	})

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
