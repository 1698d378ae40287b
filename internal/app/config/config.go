package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/collector"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/adapters/opcua"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/aggregate"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/normalize"
)

// Config is the full deployment configuration. An edge process reads
// the edge, collector, forward and metrics sections; a gateway process
// reads gateway and metrics. One file can drive both.
type Config struct {
	Edge      EdgeConfig       `yaml:"edge"`
	Collector collector.Config `yaml:"collector"`
	// OPCUA enables an additional OPC UA subscription feeding the same
	// pipeline. Nil when the deployment is socket-only.
	OPCUA   *opcua.Config         `yaml:"opcua"`
	Forward ForwardConfig         `yaml:"forward"`
	Gateway GatewayConfig         `yaml:"gateway"`
	Metrics MetricsConfig         `yaml:"metrics"`
	Assets  []normalize.AssetSpec `yaml:"assets"`
}

// EdgeConfig covers the durable buffer and the local sequencing state.
type EdgeConfig struct {
	BufferDir     string `yaml:"buffer_dir"`
	SeqDir        string `yaml:"seq_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	// CapacityHours sizes the buffer for a target disconnection window.
	CapacityHours int `yaml:"capacity_hours"`

	// BytesPerHour is the estimated event volume used to translate the
	// window into a byte cap.
	BytesPerHour int64 `yaml:"bytes_per_hour"`
}

// CapacityBytes is the derived buffer cap.
func (e EdgeConfig) CapacityBytes() int64 {
	return int64(e.CapacityHours) * e.BytesPerHour
}

// ForwardConfig tunes batching and retry on the edge uplink.
type ForwardConfig struct {
	GatewayURL    string        `yaml:"gateway_url"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	PushTimeout   time.Duration `yaml:"push_timeout"`
	FanOut        int           `yaml:"fan_out"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
}

// GatewayConfig covers ingestion, canonical storage and aggregation.
type GatewayConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	Postgres   PostgresConfig `yaml:"postgres"`

	// SampleDir is the badger directory holding materialized samples.
	SampleDir string `yaml:"sample_dir"`

	GraceWindow time.Duration `yaml:"grace_window"`
	ShiftLength time.Duration `yaml:"shift_length"`
	Tick        time.Duration `yaml:"tick"`
	Lookback    time.Duration `yaml:"lookback"`

	LossTablePath string `yaml:"loss_table"`

	// Cycles maps product ids to ideal cycle time in seconds. The
	// "default" key covers unlisted products.
	Cycles map[string]float64 `yaml:"ideal_cycle_seconds"`
}

// IdealCycles converts the configured seconds into engine cycle times.
func (g GatewayConfig) IdealCycles() aggregate.IdealCycles {
	out := make(aggregate.IdealCycles, len(g.Cycles))
	for product, secs := range g.Cycles {
		out[product] = time.Duration(secs * float64(time.Second))
	}
	return out
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and validates a yaml configuration file. Mode-specific
// requirements are checked by ValidateEdge and ValidateGateway.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Edge.BufferDir == "" {
		c.Edge.BufferDir = "./data/buffer"
	}
	if c.Edge.SeqDir == "" {
		c.Edge.SeqDir = "./data/seq"
	}
	if c.Edge.CheckpointDir == "" {
		c.Edge.CheckpointDir = "./data/checkpoints"
	}
	if c.Edge.CapacityHours <= 0 {
		c.Edge.CapacityHours = 24
	}
	if c.Edge.BytesPerHour <= 0 {
		c.Edge.BytesPerHour = 64 << 20
	}

	if c.Forward.BatchSize <= 0 {
		c.Forward.BatchSize = 500
	}
	if c.Forward.BatchInterval <= 0 {
		c.Forward.BatchInterval = 2 * time.Second
	}
	if c.Forward.PushTimeout <= 0 {
		c.Forward.PushTimeout = 10 * time.Second
	}
	if c.Forward.FanOut <= 0 {
		c.Forward.FanOut = 8
	}
	if c.Forward.BackoffBase <= 0 {
		c.Forward.BackoffBase = time.Second
	}
	if c.Forward.BackoffCap <= 0 {
		c.Forward.BackoffCap = 60 * time.Second
	}

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8080"
	}
	if c.Gateway.Postgres.Table == "" {
		c.Gateway.Postgres.Table = "events"
	}
	if c.Gateway.SampleDir == "" {
		c.Gateway.SampleDir = "./data/samples"
	}
	if c.Gateway.GraceWindow <= 0 {
		c.Gateway.GraceWindow = 15 * time.Minute
	}
	if c.Gateway.ShiftLength <= 0 {
		c.Gateway.ShiftLength = 8 * time.Hour
	}
	if c.Gateway.Tick <= 0 {
		c.Gateway.Tick = 30 * time.Second
	}
	if c.Gateway.Lookback <= 0 {
		c.Gateway.Lookback = 24 * time.Hour
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	c.Collector.ApplyDefaults()
	if c.OPCUA != nil {
		c.OPCUA.ApplyDefaults()
	}
}

// ValidateEdge checks everything an edge process needs.
func (c *Config) ValidateEdge() error {
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector config: %w", err)
	}
	if c.OPCUA != nil {
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	}
	if c.Forward.GatewayURL == "" {
		return fmt.Errorf("forward.gateway_url is required")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset must be declared")
	}
	for _, a := range c.Assets {
		if a.ID == "" {
			return fmt.Errorf("asset with empty id")
		}
	}
	return nil
}

// ValidateGateway checks everything a gateway process needs.
func (c *Config) ValidateGateway() error {
	if c.Gateway.Postgres.ConnString == "" {
		return fmt.Errorf("gateway.postgres.conn_string is required")
	}
	if c.Gateway.LossTablePath == "" {
		return fmt.Errorf("gateway.loss_table is required")
	}
	return nil
}
