package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	Device    string `json:"device" yaml:"device" toml:"device"`
	Root      string `json:"root" yaml:"root" toml:"root"`
	Source    string `json:"source" yaml:"source" toml:"source"`
	TopicBase string `json:"topic_base" yaml:"topic_base" toml:"topic_base"`

	Broker         string `json:"broker" yaml:"broker" toml:"broker"`
	BrokerUser     string `json:"broker_user" yaml:"broker_user" toml:"broker_user"`
	BrokerPassword string `json:"broker_password" yaml:"broker_password" toml:"broker_password"`

	ChunkSize int `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`
	RetryMS   int `json:"retry_ms" yaml:"retry_ms" toml:"retry_ms"`
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	TickMS    int `json:"tick_ms" yaml:"tick_ms" toml:"tick_ms"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
