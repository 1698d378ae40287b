package forward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/buffer"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/checkpoint"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/store"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/pkg/retry"
)

// flakyClient applies batches to an in-memory store once the simulated
// outage ends; before that every push fails like a dead network.
type flakyClient struct {
	mu       sync.Mutex
	store    *store.MemoryStore
	down     bool
	pushes   int
	failures int
}

func (c *flakyClient) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func (c *flakyClient) Push(ctx context.Context, req ports.BatchRequest) (*ports.BatchResponse, error) {
	c.mu.Lock()
	c.pushes++
	down := c.down
	if down {
		c.failures++
	}
	c.mu.Unlock()

	if down {
		return nil, errors.New("connection refused")
	}

	events := make([]*domain.Event, 0, len(req.Batch))
	for _, rec := range req.Batch {
		events = append(events, rec.Payload)
	}
	if _, err := c.store.UpsertBatch(ctx, events); err != nil {
		return nil, err
	}

	acked, err := c.store.HighestContiguous(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	resp := &ports.BatchResponse{HighestContiguousAcked: acked}
	for _, rec := range req.Batch {
		resp.Accepted = append(resp.Accepted, rec.Seq)
	}
	return resp, nil
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) ObserveLatency(string, float64)            {}

func testConfig() Config {
	return Config{
		BufferID:      "edge-test",
		BatchSize:     500,
		BatchInterval: 5 * time.Millisecond,
		PushTimeout:   time.Second,
		PollInterval:  5 * time.Millisecond,
		Backoff:       retry.Config{Base: time.Millisecond, Cap: 10 * time.Millisecond},
	}
}

func newHarness(t *testing.T) (*Forwarder, ports.EdgeBuffer, *flakyClient, ports.CheckpointStore) {
	t.Helper()
	buf, err := buffer.NewFileBuffer(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	cps, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}

	client := &flakyClient{store: store.NewMemoryStore()}
	fwd := New(testConfig(), buf, client, cps, nopObs{})
	return fwd, buf, client, cps
}

func appendEvents(t *testing.T, buf ports.EdgeBuffer, asset string, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		ev := &domain.Event{
			AssetID:   asset,
			Seq:       seq,
			Type:      domain.EventTypeTelemetry,
			Timestamp: time.Now().UTC(),
			Telemetry: &domain.TelemetryEvent{AssetID: asset, MetricName: "good_count", Value: 1, Unit: "count", Seq: seq},
		}
		if _, err := buf.Append(ev); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
}

// Scenario: five events buffered during a network outage must all land
// exactly once after reconnection, with the checkpoint advanced to 5
// and the buffer drained.
func TestForwarderDeliversAfterOutage(t *testing.T) {
	fwd, buf, client, cps := newHarness(t)
	client.setDown(true)

	appendEvents(t, buf, "asset-x", 1, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		fwd.Run(ctx)
		close(done)
	}()

	// Let the forwarder fail a few deliveries first.
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		failures := client.failures
		client.mu.Unlock()
		if failures >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("forwarder never attempted delivery during outage")
		}
		time.Sleep(time.Millisecond)
	}
	if client.store.Count("asset-x") != 0 {
		t.Fatal("no events may land while the network is down")
	}

	client.setDown(false)

	waitFor(t, 5*time.Second, func() bool {
		cp, err := cps.Load("asset-x")
		return err == nil && cp.LastAckedSeq == 5
	})

	if got := client.store.Count("asset-x"); got != 5 {
		t.Fatalf("expected exactly 5 rows, got %d", got)
	}
	waitFor(t, time.Second, func() bool {
		per := buf.Stats().PerAsset["asset-x"]
		return per.SizeBytes == 0 && per.TruncatedSeq == 5
	})

	cancel()
	<-done
}

// Redelivering an acknowledged batch must not create duplicate rows.
func TestForwarderRedeliveryIsIdempotent(t *testing.T) {
	fwd, buf, client, cps := newHarness(t)
	appendEvents(t, buf, "asset-x", 1, 3)

	ctx := context.Background()
	if err := fwd.Drain(ctx, "asset-x"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := client.store.Count("asset-x"); got != 3 {
		t.Fatalf("expected 3 rows, got %d", got)
	}

	// Simulate a lost ack: rewind the checkpoint's view by pushing the
	// same events again directly.
	req := ports.BatchRequest{ForwarderID: fwd.ID(), AssetID: "asset-x"}
	for seq := uint64(1); seq <= 3; seq++ {
		req.Batch = append(req.Batch, ports.BatchRecord{
			Seq:       seq,
			EventType: domain.EventTypeTelemetry,
			Payload:   &domain.Event{AssetID: "asset-x", Seq: seq, Type: domain.EventTypeTelemetry},
		})
	}
	resp, err := client.Push(ctx, req)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if resp.HighestContiguousAcked != 3 {
		t.Fatalf("expected ack 3 on redelivery, got %d", resp.HighestContiguousAcked)
	}
	if got := client.store.Count("asset-x"); got != 3 {
		t.Fatalf("redelivery duplicated rows: %d", got)
	}

	cp, err := cps.Load("asset-x")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.LastAckedSeq != 3 {
		t.Fatalf("expected checkpoint 3, got %d", cp.LastAckedSeq)
	}
}

func TestForwarderPauseHoldsPosition(t *testing.T) {
	fwd, buf, client, _ := newHarness(t)
	appendEvents(t, buf, "asset-x", 1, 2)

	fwd.Pause("asset-x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		fwd.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if got := client.store.Count("asset-x"); got != 0 {
		t.Fatalf("paused asset must not forward, got %d rows", got)
	}

	// Appends keep landing while paused.
	appendEvents(t, buf, "asset-x", 3, 4)

	fwd.Resume("asset-x")
	waitFor(t, 2*time.Second, func() bool { return client.store.Count("asset-x") == 4 })

	cancel()
	<-done
}

func TestForwarderStalledAssetDoesNotBlockOthers(t *testing.T) {
	fwd, buf, client, _ := newHarness(t)

	// asset-y is healthy; asset-x is paused to simulate a stall.
	appendEvents(t, buf, "asset-x", 1, 2)
	appendEvents(t, buf, "asset-y", 1, 3)
	fwd.Pause("asset-x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		fwd.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return client.store.Count("asset-y") == 3 })
	if got := client.store.Count("asset-x"); got != 0 {
		t.Fatalf("expected stalled asset untouched, got %d", got)
	}

	cancel()
	<-done
}

func TestForwarderDiscardIsAudited(t *testing.T) {
	buf, err := buffer.NewFileBuffer(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer buf.Close()
	cps, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}

	obs := &countingObs{counters: map[string]float64{}}
	fwd := New(testConfig(), buf, &flakyClient{store: store.NewMemoryStore()}, cps, obs)

	appendEvents(t, buf, "asset-x", 1, 4)
	if err := fwd.Discard("asset-x"); err != nil {
		t.Fatalf("discard: %v", err)
	}

	if got := obs.counters["ms5_buffer_discarded_total"]; got != 4 {
		t.Fatalf("expected 4 discarded events counted, got %f", got)
	}
	if obs.criticals == 0 {
		t.Fatal("discard must be logged as a critical operator action")
	}
}

func TestResolvedSeqAdvancesPastRejects(t *testing.T) {
	cases := []struct {
		name string
		resp ports.BatchResponse
		want uint64
	}{
		{
			name: "full ack",
			resp: ports.BatchResponse{Accepted: []uint64{1, 2, 3}, HighestContiguousAcked: 3},
			want: 3,
		},
		{
			name: "reject in the middle unblocks later accepts",
			resp: ports.BatchResponse{
				Accepted:               []uint64{1, 2, 4, 5},
				Rejected:               []ports.RejectedRecord{{Seq: 3, Reason: "malformed"}},
				HighestContiguousAcked: 2,
			},
			want: 5,
		},
		{
			name: "gap from another forwarder is not skipped",
			resp: ports.BatchResponse{Accepted: []uint64{7, 8}, HighestContiguousAcked: 5},
			want: 5,
		},
		{
			name: "consecutive rejects",
			resp: ports.BatchResponse{
				Accepted:               []uint64{1, 4},
				Rejected:               []ports.RejectedRecord{{Seq: 2}, {Seq: 3}},
				HighestContiguousAcked: 1,
			},
			want: 4,
		},
	}
	for _, tc := range cases {
		if got := resolvedSeq(&tc.resp); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

type countingObs struct {
	mu        sync.Mutex
	counters  map[string]float64
	criticals int
}

func (c *countingObs) LogInfo(string, ...ports.Field)         {}
func (c *countingObs) LogError(string, error, ...ports.Field) {}
func (c *countingObs) LogCritical(string, error, ...ports.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.criticals++
}
func (c *countingObs) IncCounter(name string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += v
}
func (c *countingObs) SetGauge(string, float64)       {}
func (c *countingObs) ObserveLatency(string, float64) {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// rejectingClient behaves like the gateway with validation on: records
// without a telemetry body are rejected and tombstoned so that the ack
// watermark can pass them.
type rejectingClient struct {
	store *store.MemoryStore
}

func (c *rejectingClient) Push(ctx context.Context, req ports.BatchRequest) (*ports.BatchResponse, error) {
	resp := &ports.BatchResponse{}
	valid := make([]*domain.Event, 0, len(req.Batch))
	var bad []uint64
	for _, rec := range req.Batch {
		if rec.Payload == nil || (rec.EventType == domain.EventTypeTelemetry && rec.Payload.Telemetry == nil) {
			resp.Rejected = append(resp.Rejected, ports.RejectedRecord{Seq: rec.Seq, Reason: "missing telemetry body"})
			bad = append(bad, rec.Seq)
			continue
		}
		valid = append(valid, rec.Payload)
		resp.Accepted = append(resp.Accepted, rec.Seq)
	}
	if _, err := c.store.UpsertBatch(ctx, valid); err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		if err := c.store.MarkRejected(ctx, req.AssetID, bad); err != nil {
			return nil, err
		}
	}
	acked, err := c.store.HighestContiguous(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	resp.HighestContiguousAcked = acked
	return resp, nil
}

// A malformed record gets rejected upstream; the checkpoint must still
// advance for it, and batches sent after the rejection must keep
// advancing instead of stalling behind the hole.
func TestForwarderAdvancesPastRejectedRecord(t *testing.T) {
	buf, err := buffer.NewFileBuffer(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer buf.Close()
	cps, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	client := &rejectingClient{store: store.NewMemoryStore()}
	fwd := New(testConfig(), buf, client, cps, nopObs{})

	appendEvents(t, buf, "asset-x", 1, 2)
	// Seq 3 carries no telemetry body and will be rejected upstream.
	if _, err := buf.Append(&domain.Event{
		AssetID:   "asset-x",
		Seq:       3,
		Type:      domain.EventTypeTelemetry,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append malformed: %v", err)
	}
	appendEvents(t, buf, "asset-x", 4, 5)

	ctx := context.Background()
	if err := fwd.Drain(ctx, "asset-x"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	cp, err := cps.Load("asset-x")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.LastAckedSeq != 5 {
		t.Fatalf("expected checkpoint 5 after rejection, got %d", cp.LastAckedSeq)
	}

	appendEvents(t, buf, "asset-x", 6, 8)
	if err := fwd.Drain(ctx, "asset-x"); err != nil {
		t.Fatalf("drain after rejection: %v", err)
	}
	cp, err = cps.Load("asset-x")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.LastAckedSeq != 8 {
		t.Fatalf("expected checkpoint 8 on the batch after the rejection, got %d", cp.LastAckedSeq)
	}
	if got := client.store.Count("asset-x"); got != 7 {
		t.Fatalf("expected 7 stored rows, got %d", got)
	}
	waitFor(t, time.Second, func() bool {
		per := buf.Stats().PerAsset["asset-x"]
		return per.TruncatedSeq == 8
	})
}
