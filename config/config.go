package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the node's anti-entropy settings.
type Config struct {
	MetricsAddress string   `toml:"MetricsAddress"`
	DataDir        string   `toml:"DataDir"`
	NodeActor      string   `toml:"NodeActor"`
	Partitions     []uint64 `toml:"Partitions"`
	ReplicationN   uint16   `toml:"ReplicationN"`

	TickIntervalSeconds int `toml:"TickIntervalSeconds"`
	BuildTokens         int `toml:"BuildTokens"`
	ExchangeTokens      int `toml:"ExchangeTokens"`

	TreeSegments int `toml:"TreeSegments"`
	TreeFanout   int `toml:"TreeFanout"`
}

// TickInterval returns the configured tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Partitions) == 0 {
		return fmt.Errorf("config: at least one partition is required")
	}
	seen := make(map[uint64]struct{}, len(c.Partitions))
	for _, p := range c.Partitions {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("config: duplicate partition %d", p)
		}
		seen[p] = struct{}{}
	}
	if int(c.ReplicationN) > len(c.Partitions) {
		return fmt.Errorf("config: replication factor %d exceeds partition count %d", c.ReplicationN, len(c.Partitions))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MetricsAddress == "" {
		c.MetricsAddress = ":9273"
	}
	if c.DataDir == "" {
		c.DataDir = "./riakkv-data"
	}
	if c.NodeActor == "" {
		c.NodeActor = "node-0"
	}
	if c.ReplicationN == 0 {
		c.ReplicationN = 3
		if len(c.Partitions) < 3 {
			c.ReplicationN = uint16(len(c.Partitions))
		}
	}
	if c.TickIntervalSeconds <= 0 {
		c.TickIntervalSeconds = 15
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		MetricsAddress:      ":9273",
		DataDir:             "./riakkv-data",
		NodeActor:           "node-0",
		Partitions:          []uint64{0, 1, 2, 3},
		ReplicationN:        3,
		TickIntervalSeconds: 15,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
