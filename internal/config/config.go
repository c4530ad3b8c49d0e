// Package config loads and validates the YAML configuration file a
// raftcored process starts from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the full contents of a node's configuration file.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Raft    RaftConfig    `yaml:"raft"`
	Peers   []PeerConfig  `yaml:"peers"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	Identifier string `yaml:"identifier"`
}

// RaftConfig is the address this node's Raft HTTP server binds to.
type RaftConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// PeerConfig is one other cluster member.
type PeerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// StorageConfig is where the durable journal and term state live.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zerolog writer.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // console|json
}

// Load reads and parses the YAML file at path. It does not validate;
// callers should call Validate separately so a config error is always
// reported the same way regardless of how it was produced.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate catches configuration mistakes before the harness starts,
// rather than letting them surface as a confusing runtime panic.
func (c *Config) Validate() error {
	if c.Node.Identifier == "" {
		return fmt.Errorf("config: node.identifier is required")
	}
	if c.Raft.Port == 0 {
		return fmt.Errorf("config: raft.port is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}

	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peer entry missing name")
		}
		if p.Name == c.Node.Identifier {
			return fmt.Errorf("config: peer list must not include this node (%s)", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: duplicate peer name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Address == "" || p.Port == 0 {
			return fmt.Errorf("config: peer %q missing address or port", p.Name)
		}
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logging.format must be console or json, got %q", c.Logging.Format)
	}

	return nil
}
