package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Config captures the runtime details of the local reading socket.
// Device drivers and protocol gateways connect here and write one JSON
// reading per line.
type Config struct {
	// Listen is the listener address, either "tcp://host:port" or
	// "unix:///path/to.sock".
	Listen string `yaml:"listen"`

	// MaxLineBytes bounds a single reading on the wire.
	MaxLineBytes int `yaml:"max_line_bytes"`

	// ReadTimeout disconnects clients that go silent.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "tcp://127.0.0.1:9101"
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 64 * 1024
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Minute
	}
}

func (c *Config) Validate() error {
	network, _, err := splitListen(c.Listen)
	if err != nil {
		return err
	}
	if network != "tcp" && network != "unix" {
		return fmt.Errorf("unsupported listen scheme %q", network)
	}
	return nil
}

func splitListen(listen string) (network, addr string, err error) {
	scheme, rest, ok := strings.Cut(listen, "://")
	if !ok {
		return "", "", fmt.Errorf("listen address %q: missing scheme", listen)
	}
	return scheme, rest, nil
}

// Collector accepts local socket connections and feeds decoded raw
// readings into the pipeline. Malformed lines are logged and dropped;
// a bad client never stalls the channel.
type Collector struct {
	cfg    Config
	obs    ports.Observability
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewCollector(cfg Config, obs ports.Observability) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{cfg: cfg, obs: obs}, nil
}

// Addr returns the bound listener address, useful when the config asked
// for port 0.
func (c *Collector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *Collector) Start(out chan<- *ports.RawReading) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("socket collector already started")
	}
	c.mu.Unlock()

	network, addr, err := splitListen(c.cfg.Listen)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("collector listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.ln = ln
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	c.obs.LogInfo("collector listening", ports.F("addr", ln.Addr().String()))

	c.wg.Add(1)
	go c.acceptLoop(ctx, ln, out)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	ln := c.ln
	cancel := c.cancel
	c.started = false
	c.ln = nil
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	err := ln.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Collector) acceptLoop(ctx context.Context, ln net.Listener, out chan<- *ports.RawReading) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.obs.LogError("collector accept failed", err)
			continue
		}
		c.wg.Add(1)
		go c.serve(ctx, conn, out)
	}
}

func (c *Collector) serve(ctx context.Context, conn net.Conn, out chan<- *ports.RawReading) {
	defer c.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), c.cfg.MaxLineBytes)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.obs.LogError("collector read failed", err, ports.F("remote", conn.RemoteAddr().String()))
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r ports.RawReading
		if err := json.Unmarshal(line, &r); err != nil {
			c.obs.LogError("collector dropped malformed line", err, ports.F("remote", conn.RemoteAddr().String()))
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}

		select {
		case <-ctx.Done():
			return
		case out <- &r:
		}
	}
}

var _ ports.Collector = (*Collector)(nil)
