package vfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the storage geometry and paths used by a Library.
type Config struct {
	// BlockSize is the size of every scratch file block in bytes. A block
	// holds BlockSize-1 bytes of text.
	BlockSize int `yaml:"block_size"`

	// MaxLogicalBlocks bounds the number of blocks a document can use.
	MaxLogicalBlocks int `yaml:"max_logical_blocks"`

	// CacheSlots is the number of blocks kept in memory. Two are always
	// pinned, so at least 3 are needed.
	CacheSlots int `yaml:"cache_slots"`

	// AnonymousBuffers is the size of the numbered cut buffer ring.
	AnonymousBuffers int `yaml:"anonymous_buffers"`

	// ScratchDir holds the scratch files.
	ScratchDir string `yaml:"scratch_dir"`

	// Catalog is the preserve catalog database. Empty disables preserving.
	Catalog string `yaml:"catalog"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the zap logger built by NewLogger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:        2048,
		MaxLogicalBlocks: 4096,
		CacheSlots:       16,
		AnonymousBuffers: 9,
		ScratchDir:       os.TempDir(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults. Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration to a YAML file.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if dir := os.Getenv("VFILE_SCRATCH_DIR"); dir != "" {
		c.ScratchDir = dir
	}
	if path := os.Getenv("VFILE_CATALOG"); path != "" {
		c.Catalog = path
	}
	if v := os.Getenv("VFILE_BLOCK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VFILE_BLOCK_SIZE: %w", err)
		}
		c.BlockSize = n
	}
	if v := os.Getenv("VFILE_CACHE_SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VFILE_CACHE_SLOTS: %w", err)
		}
		c.CacheSlots = n
	}
	return nil
}

// minBlockSize leaves a 16 byte block 15 bytes of text.
const minBlockSize = 16

// Validate checks that the geometry is usable.
func (c Config) Validate() error {
	switch {
	case c.BlockSize < minBlockSize:
		return fmt.Errorf("block_size %d is below the minimum of %d", c.BlockSize, minBlockSize)
	case c.MaxLogicalBlocks < 1:
		return fmt.Errorf("max_logical_blocks must be positive, got %d", c.MaxLogicalBlocks)
	case c.CacheSlots < 3:
		return fmt.Errorf("cache_slots must be at least 3, got %d", c.CacheSlots)
	case c.AnonymousBuffers < 0 || c.AnonymousBuffers > 9:
		return fmt.Errorf("anonymous_buffers must be between 0 and 9, got %d", c.AnonymousBuffers)
	case c.ScratchDir == "":
		return fmt.Errorf("scratch_dir must be set")
	}
	return nil
}

// NewLogger builds a zap logger from the logging configuration.
func NewLogger(lc LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
