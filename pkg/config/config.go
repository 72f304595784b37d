package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Network     NetworkConfig     `yaml:"network"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Stores      []StoreConfig     `yaml:"stores"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// NetworkConfig contains the RESP listener configuration
type NetworkConfig struct {
	RESPBindAddr string `yaml:"resp_bind_addr"`
	RESPPort     int    `yaml:"resp_port"`
}

// PersistenceConfig mirrors spec.md §6's "Configuration options" table for
// the AOF engine. Field names are semantic, not a transliteration of any
// particular flag naming scheme.
type PersistenceConfig struct {
	// Enabled turns the AOF engine on at startup (engine.Enable()).
	Enabled bool `yaml:"enabled"`

	// Dir is the AOF directory (aof_dir in spec.md §6). Validate does not
	// check it; the file names joined under it are checked for '/' and NUL
	// when a manifest is parsed (AofInfo.FileName, §3).
	Dir string `yaml:"dir"`

	// Filename is the legacy single-file AOF name used to detect the
	// upgrade-mode path described in spec.md §4.3.
	Filename string `yaml:"filename"`

	// FsyncPolicy is one of "no", "everysec", "always" (spec.md §4.2).
	FsyncPolicy string `yaml:"fsync_policy"`

	// UseSnapshotPreamble makes the Rewriter's child embed a full snapshot
	// stream (SPEC_FULL "Snapshot-preamble BASE files") instead of a RESP
	// command sequence.
	UseSnapshotPreamble bool `yaml:"use_snapshot_preamble"`

	// RewritePct and RewriteMinSize drive the ratio trigger in spec.md §4.4.
	RewritePct     int   `yaml:"rewrite_pct"`
	RewriteMinSize int64 `yaml:"rewrite_min_size"`

	// LoadTruncated enables the truncation-on-load policy in spec.md §4.3.
	LoadTruncated bool `yaml:"load_truncated"`

	// DisableAutoGC disables the automatic scheduling of HISTORY file
	// deletion after a successful rewrite.
	DisableAutoGC bool `yaml:"disable_auto_gc"`

	// TimestampEnabled turns on the "#TS:<unix_seconds>" annotation lines.
	TimestampEnabled bool `yaml:"timestamp_enabled"`

	// NoFsyncOnRewrite suppresses the parent's fsync while a rewrite child
	// is running (spec.md §9 Open Question 2).
	NoFsyncOnRewrite bool `yaml:"no_fsync_on_rewrite"`
}

// CacheConfig contains global cache configuration
type CacheConfig struct {
	MaxMemory       string  `yaml:"max_memory"`
	DefaultTTL      string  `yaml:"default_ttl"`
	CuckooFilterFPP float64 `yaml:"cuckoo_filter_fpp"`
	Databases       int     `yaml:"databases"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`         // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
	MaxFileSize   string `yaml:"max_file_size"`
	MaxFiles      int    `yaml:"max_files"`
}

// StoreConfig represents configuration for individual key namespaces
type StoreConfig struct {
	Name           string        `yaml:"name"`
	EvictionPolicy string        `yaml:"eviction_policy"`
	MaxMemory      string        `yaml:"max_memory"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

// Load reads and parses the configuration file, falling back to production
// defaults when path does not exist.
func Load(path string) (*Config, error) {
	config := &Config{
		Node: NodeConfig{
			ID:      "hypercache-node-1",
			DataDir: "/tmp/hypercache",
		},
		Network: NetworkConfig{
			RESPBindAddr: "0.0.0.0",
			RESPPort:     8080,
		},
		Persistence: PersistenceConfig{
			Enabled:             true,
			Dir:                 "appendonlydir",
			Filename:            "appendonly.aof",
			FsyncPolicy:         "everysec",
			UseSnapshotPreamble: false,
			RewritePct:          100,
			RewriteMinSize:      64 * 1024 * 1024,
			LoadTruncated:       true,
			DisableAutoGC:       false,
			TimestampEnabled:    false,
			NoFsyncOnRewrite:    false,
		},
		Cache: CacheConfig{
			MaxMemory:       "8GB",
			DefaultTTL:      "1h",
			CuckooFilterFPP: 0.01,
			Databases:       16,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    true,
			LogFile:       "",
			BufferSize:    1000,
			LogDir:        "logs",
			MaxFileSize:   "100MB",
			MaxFiles:      10,
		},
		Stores: []StoreConfig{
			{
				Name:           "default",
				EvictionPolicy: "lru",
				MaxMemory:      "4GB",
				DefaultTTL:     time.Hour,
			},
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Network.RESPPort <= 0 || c.Network.RESPPort > 65535 {
		return fmt.Errorf("network.resp_port must be between 1 and 65535")
	}
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store must be configured")
	}

	storeNames := make(map[string]bool)
	for _, store := range c.Stores {
		if store.Name == "" {
			return fmt.Errorf("store name cannot be empty")
		}
		if storeNames[store.Name] {
			return fmt.Errorf("duplicate store name: %s", store.Name)
		}
		storeNames[store.Name] = true

		if !isValidEvictionPolicy(store.EvictionPolicy) {
			return fmt.Errorf("invalid eviction policy for store %s: %s", store.Name, store.EvictionPolicy)
		}
	}

	if c.Persistence.Enabled {
		if !isValidFsyncPolicy(c.Persistence.FsyncPolicy) {
			return fmt.Errorf("invalid persistence fsync policy: %s", c.Persistence.FsyncPolicy)
		}
		if strings.ContainsAny(c.Persistence.Filename, "/\x00") {
			return fmt.Errorf("persistence.filename must not contain a path separator")
		}
		if c.Persistence.RewritePct < 0 {
			return fmt.Errorf("persistence.rewrite_pct must be >= 0")
		}
	}

	if c.Cache.Databases <= 0 {
		return fmt.Errorf("cache.databases must be >= 1")
	}

	return nil
}

func isValidEvictionPolicy(policy string) bool {
	validPolicies := map[string]bool{
		"lru":  true,
		"lfu":  true,
		"fifo": true,
		"ttl":  true,
	}
	return validPolicies[policy]
}

func isValidFsyncPolicy(policy string) bool {
	validPolicies := map[string]bool{
		"always":   true,
		"everysec": true,
		"no":       true,
	}
	return validPolicies[policy]
}
