package collector

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) ObserveLatency(string, float64)            {}

func startCollector(t *testing.T) (*Collector, chan *ports.RawReading) {
	t.Helper()
	c, err := NewCollector(Config{Listen: "tcp://127.0.0.1:0"}, nopObs{})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	out := make(chan *ports.RawReading, 16)
	if err := c.Start(out); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, out
}

func dial(t *testing.T, c *Collector) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, out chan *ports.RawReading) *ports.RawReading {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reading")
		return nil
	}
}

func TestCollectorDeliversReadings(t *testing.T) {
	c, out := startCollector(t)
	conn := dial(t, c)

	fmt.Fprintln(conn, `{"asset_id":"press-1","metric_name":"good_count","value":3,"unit":"count","ts":"2026-01-02T09:00:00Z"}`)
	fmt.Fprintln(conn, `{"asset_id":"press-1","to_state":"stopped","reason_code":"BRK-01","ts":"2026-01-02T09:01:00Z"}`)

	r := recv(t, out)
	if r.AssetID != "press-1" || r.MetricName != "good_count" || r.Value != 3 {
		t.Fatalf("unexpected metric reading: %+v", r)
	}
	r = recv(t, out)
	if r.ToState != "stopped" || r.ReasonCode != "BRK-01" {
		t.Fatalf("unexpected state reading: %+v", r)
	}
}

func TestCollectorSkipsMalformedLines(t *testing.T) {
	c, out := startCollector(t)
	conn := dial(t, c)

	fmt.Fprintln(conn, `{not json`)
	fmt.Fprintln(conn, `{"asset_id":"press-1","metric_name":"temp","value":21.5,"ts":"2026-01-02T09:00:00Z"}`)

	r := recv(t, out)
	if r.MetricName != "temp" {
		t.Fatalf("expected the valid reading after the bad line, got %+v", r)
	}
}

func TestCollectorStampsMissingTimestamp(t *testing.T) {
	c, out := startCollector(t)
	conn := dial(t, c)

	fmt.Fprintln(conn, `{"asset_id":"press-1","metric_name":"temp","value":1}`)

	r := recv(t, out)
	if r.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped on arrival")
	}
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	c, _ := startCollector(t)
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestCollectorServesMultipleClients(t *testing.T) {
	c, out := startCollector(t)
	a := dial(t, c)
	b := dial(t, c)

	fmt.Fprintln(a, `{"asset_id":"press-1","metric_name":"temp","value":1,"ts":"2026-01-02T09:00:00Z"}`)
	fmt.Fprintln(b, `{"asset_id":"press-2","metric_name":"temp","value":2,"ts":"2026-01-02T09:00:00Z"}`)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[recv(t, out).AssetID] = true
	}
	if !seen["press-1"] || !seen["press-2"] {
		t.Fatalf("expected readings from both clients, got %v", seen)
	}
}
