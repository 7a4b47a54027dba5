// Package config loads a Battle Worker's startup configuration: a YAML
// file first (gopkg.in/yaml.v3, strict-decoded to catch typos the way
// kilroy's internal/attractor/engine/config.go LoadRunConfigFile does),
// then BATTLECORE_*-prefixed environment variable overrides layered on
// top via caarlos0/env, mirroring fracturing.space's internal/platform/
// config/env.go ParseEnv wrapper.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// WorkerConfig is the Battle Worker's full startup configuration.
type WorkerConfig struct {
	SocketAddr   string  `yaml:"socket_addr" env:"BATTLECORE_SOCKET_ADDR"`
	WorkerID     string  `yaml:"worker_id" env:"BATTLECORE_WORKER_ID"`
	DatasetPath  string  `yaml:"dataset_path,omitempty" env:"BATTLECORE_DATASET_PATH"`
	Smoothing    float64 `yaml:"smoothing,omitempty" env:"BATTLECORE_SMOOTHING"`
	MaxTurns     int     `yaml:"max_turns,omitempty" env:"BATTLECORE_MAX_TURNS"`
	TimeoutMS    int     `yaml:"timeout_ms,omitempty" env:"BATTLECORE_TIMEOUT_MS"`
	SimulatorBin string  `yaml:"simulator_bin" env:"BATTLECORE_SIMULATOR_BIN"`
}

// Load reads path as strict YAML (unknown fields are an error) then
// applies environment overrides.
func Load(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *WorkerConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}
