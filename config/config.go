// Package config handles configuration loading and persistence for
// the scanlogix daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	// Namespace prefixes broker topics and keys so several instances
	// can share an infrastructure.
	Namespace string `yaml:"namespace"`

	// DefaultPeriod is the scan period for tags that do not set one.
	DefaultPeriod time.Duration `yaml:"default_period"`

	// Verbosity is the shared log chattiness, 0..10.
	Verbosity int `yaml:"verbosity"`

	// Timeout bounds every socket operation.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// TransferLimit bounds one bundled transfer in bytes.
	TransferLimit int `yaml:"transfer_limit,omitempty"`

	PLCs   []PLCConfig    `yaml:"plcs"`
	Web    WebConfig      `yaml:"web"`
	MQTT   []MQTTConfig   `yaml:"mqtt,omitempty"`
	Kafka  []KafkaConfig  `yaml:"kafka,omitempty"`
	Valkey []ValkeyConfig `yaml:"valkey,omitempty"`
}

// PLCConfig describes one controller.
type PLCConfig struct {
	Name    string      `yaml:"name"`
	Address string      `yaml:"address"`
	Port    uint16      `yaml:"port,omitempty"` // not read by scanlogixd; every PLC is dialled on 44818
	Slot    byte        `yaml:"slot"`
	Enabled bool        `yaml:"enabled"`
	Tags    []TagConfig `yaml:"tags,omitempty"`
}

// TagConfig describes one scanned tag.
type TagConfig struct {
	Tag      string        `yaml:"tag"`
	Period   time.Duration `yaml:"period,omitempty"` // 0 = default
	Elements uint16        `yaml:"elements,omitempty"`
	Writable bool          `yaml:"writable,omitempty"`
}

// WebConfig configures the HTTP status surface.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig configures one MQTT broker connection.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Broker    string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	RootTopic string `yaml:"root_topic,omitempty"`
	QoS       byte   `yaml:"qos,omitempty"`
	Enabled   bool   `yaml:"enabled"`
}

// KafkaConfig configures one Kafka cluster connection.
type KafkaConfig struct {
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Enabled bool     `yaml:"enabled"`
}

// ValkeyConfig configures one Valkey/Redis server connection.
type ValkeyConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"` // host:port
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
	Enabled  bool   `yaml:"enabled"`
}

// DefaultConfig returns a runnable configuration with no PLCs.
func DefaultConfig() *Config {
	return &Config{
		Namespace:     "scanlogix",
		DefaultPeriod: time.Second,
		Timeout:       5 * time.Second,
		TransferLimit: 500,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "scanlogix", "config.yaml")
	}
	return "config.yaml"
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration, creating parent directories.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// Validate checks the configuration for contradictions a running
// daemon could not survive.
func (c *Config) Validate() error {
	if c.DefaultPeriod <= 0 {
		return fmt.Errorf("default_period must be positive, got %v", c.DefaultPeriod)
	}
	if c.Verbosity < 0 || c.Verbosity > 10 {
		return fmt.Errorf("verbosity %d out of range 0..10", c.Verbosity)
	}
	if c.TransferLimit < 0 {
		return fmt.Errorf("transfer_limit must not be negative")
	}

	seen := make(map[string]bool)
	for i, plc := range c.PLCs {
		if plc.Name == "" {
			return fmt.Errorf("plcs[%d]: name is required", i)
		}
		if plc.Address == "" {
			return fmt.Errorf("plc %q: address is required", plc.Name)
		}
		if seen[plc.Name] {
			return fmt.Errorf("plc %q: duplicate name", plc.Name)
		}
		seen[plc.Name] = true

		for j, tag := range plc.Tags {
			if tag.Tag == "" {
				return fmt.Errorf("plc %q tags[%d]: tag is required", plc.Name, j)
			}
			if tag.Period < 0 {
				return fmt.Errorf("plc %q tag %q: period must not be negative", plc.Name, tag.Tag)
			}
		}
	}

	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("mqtt %q: broker is required", m.Name)
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
			return fmt.Errorf("kafka %q: brokers and topic are required", k.Name)
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("valkey %q: address is required", v.Name)
		}
	}
	return nil
}

// FindPLC returns the named PLC config, or nil.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// IsTagWritable reports whether a tag is configured write-enabled.
func (c *Config) IsTagWritable(plcName, tagName string) bool {
	plc := c.FindPLC(plcName)
	if plc == nil {
		return false
	}
	for _, tag := range plc.Tags {
		if tag.Tag == tagName {
			return tag.Writable
		}
	}
	return false
}
