package ms5

import (
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/app/config"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Re-exported seams so embedders can implement overrides without
// importing internal packages.
type (
	Collector       = ports.Collector
	EdgeBuffer      = ports.EdgeBuffer
	IngestClient    = ports.IngestClient
	CheckpointStore = ports.CheckpointStore
	Observability   = ports.Observability
	RawReading      = ports.RawReading
	BatchRequest    = ports.BatchRequest
	BatchResponse   = ports.BatchResponse

	Config = config.Config
)

// LoadConfig reads a yaml configuration file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
