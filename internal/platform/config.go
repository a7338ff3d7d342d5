package platform

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds the simulated machine's configuration.
type Config struct {
	Machine MachineConfig
	Logging LogConfig
}

// MachineConfig sizes the simulated hardware.
type MachineConfig struct {
	EPCount   int    `envconfig:"EP_COUNT" default:"64"`
	RbufSize  uint64 `envconfig:"RBUF_SIZE" default:"65536"`
	KMemTotal uint64 `envconfig:"KMEM_TOTAL" default:"16777216"`
	KMemQuota uint64 `envconfig:"KMEM_QUOTA" default:"1048576"`
	BootFile  string `envconfig:"BOOT_CONFIG" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("TILEOS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			EPCount:   64,
			RbufSize:  1 << 16,
			KMemTotal: 16 << 20,
			KMemQuota: 1 << 20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// BootSpec is the TOML platform description: the tiles to bring up and the
// gates and semaphores published under names.
type BootSpec struct {
	Tiles []TileSpec  `toml:"tiles"`
	Names []NamedSpec `toml:"names"`
}

// TileSpec describes one application tile.
type TileSpec struct {
	Name     string `toml:"name"`
	RbufSize uint64 `toml:"rbuf_size"`
	EPCount  int    `toml:"ep_count"`
}

// NamedSpec publishes a gate or semaphore under a name for the
// resource-manager use operations.
type NamedSpec struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"` // "rgate" or "sem"
	Order    uint   `toml:"order"`
	MsgOrder uint   `toml:"msg_order"`
	Value    uint32 `toml:"value"`
}

// LoadBootSpec parses a TOML platform description.
func LoadBootSpec(path string) (*BootSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot config: %w", err)
	}
	var spec BootSpec
	if err := toml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse boot config: %w", err)
	}
	return &spec, nil
}
