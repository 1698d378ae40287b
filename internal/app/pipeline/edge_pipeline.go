package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/normalize"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Options tunes the collector-to-buffer pump.
type Options struct {
	QueueLen  int           // reading channel capacity (default 1024)
	FullRetry time.Duration // wait between append retries when the buffer is full (default 50ms)
}

func (o *Options) applyDefaults() {
	if o.QueueLen <= 0 {
		o.QueueLen = 1024
	}
	if o.FullRetry <= 0 {
		o.FullRetry = 50 * time.Millisecond
	}
}

// RunEdgePipeline starts the collector and pumps its readings through
// the normalizer into the durable buffer. A full buffer applies
// backpressure: the reading in hand is retried until space frees up,
// and the bounded channel stalls the collector behind it. Validation
// failures are already dropped and counted by the normalizer.
//
// The returned channel closes when the pump has stopped after ctx is
// cancelled.
func RunEdgePipeline(ctx context.Context, col ports.Collector, norm *normalize.Normalizer, obs ports.Observability, opts Options) (<-chan struct{}, error) {
	opts.applyDefaults()

	ch := make(chan *ports.RawReading, opts.QueueLen)
	if err := col.Start(ch); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-ch:
				if r == nil {
					continue
				}
				appendWithBackpressure(ctx, norm, r, obs, opts.FullRetry)
			}
		}
	}()

	return done, nil
}

func appendWithBackpressure(ctx context.Context, norm *normalize.Normalizer, r *ports.RawReading, obs ports.Observability, wait time.Duration) {
	ev, err := norm.Ingest(r)
	for errors.Is(err, ports.ErrBufferFull) {
		obs.LogError("buffer_full_backpressure", err, ports.F("asset", r.AssetID))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		// Retry the same event so its sequence id is kept.
		err = norm.Buffer(ev)
	}
}
