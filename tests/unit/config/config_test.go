package config_test

import (
	"os"
	"testing"

	"aofstore/pkg/config"
)

func TestConfigLoading(t *testing.T) {
	t.Run("Default_Configuration", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if cfg.Network.RESPPort != 8080 {
			t.Errorf("Expected default RESP port 8080, got %d", cfg.Network.RESPPort)
		}
		if cfg.Network.RESPBindAddr != "0.0.0.0" {
			t.Errorf("Expected default bind addr '0.0.0.0', got %s", cfg.Network.RESPBindAddr)
		}
		if cfg.Cache.MaxMemory != "8GB" {
			t.Errorf("Expected default max memory '8GB', got %s", cfg.Cache.MaxMemory)
		}
		if cfg.Logging.Level != "info" {
			t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
		}
		if cfg.Persistence.FsyncPolicy != "everysec" {
			t.Errorf("Expected default fsync policy 'everysec', got %s", cfg.Persistence.FsyncPolicy)
		}
	})

	t.Run("YAML_Configuration_Loading", func(t *testing.T) {
		yamlContent := `
network:
  resp_bind_addr: "0.0.0.0"
  resp_port: 8080

cache:
  max_memory: "2GB"
  default_ttl: "3600s"

logging:
  level: "debug"
  log_file: "/var/log/hypercache.log"

persistence:
  enabled: true
  dir: "/data/hypercache/appendonlydir"
  fsync_policy: "always"
`
		tmpfile, err := os.CreateTemp("", "hypercache-test-*.yaml")
		if err != nil {
			t.Fatalf("Failed to create temp file: %v", err)
		}
		defer os.Remove(tmpfile.Name())

		if _, err := tmpfile.Write([]byte(yamlContent)); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		tmpfile.Close()

		cfg, err := config.Load(tmpfile.Name())
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		if cfg.Network.RESPPort != 8080 {
			t.Errorf("Expected port 8080, got %d", cfg.Network.RESPPort)
		}
		if cfg.Cache.MaxMemory != "2GB" {
			t.Errorf("Expected max memory '2GB', got %s", cfg.Cache.MaxMemory)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
		}
		if !cfg.Persistence.Enabled {
			t.Errorf("Expected persistence enabled")
		}
		if cfg.Persistence.FsyncPolicy != "always" {
			t.Errorf("Expected fsync policy 'always', got %s", cfg.Persistence.FsyncPolicy)
		}
	})

	t.Run("Configuration_Validation", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if err := cfg.Validate(); err != nil {
			t.Errorf("Default config should be valid: %v", err)
		}

		cfg.Network.RESPPort = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for invalid port")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.Node.ID = ""
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for empty node ID")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.Persistence.FsyncPolicy = "sometimes"
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for invalid fsync policy")
		}

		cfg, _ = config.Load("/non/existent/path")
		cfg.Persistence.Filename = "nested/appendonly.aof"
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for filename containing a path separator")
		}
	})
}

func TestPersistenceConfiguration(t *testing.T) {
	t.Run("Persistence_Settings", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		cfg.Persistence.Enabled = true
		cfg.Persistence.FsyncPolicy = "always"
		cfg.Persistence.RewriteMinSize = 1024

		if err := cfg.Validate(); err != nil {
			t.Errorf("Valid persistence config should pass: %v", err)
		}

		cfg.Persistence.RewritePct = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for negative rewrite_pct")
		}
	})
}

func TestCacheConfiguration(t *testing.T) {
	t.Run("Cache_Configuration", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		cfg.Cache.MaxMemory = "4GB"
		cfg.Cache.DefaultTTL = "1h"
		cfg.Cache.CuckooFilterFPP = 0.01

		if err := cfg.Validate(); err != nil {
			t.Errorf("Valid cache config should pass: %v", err)
		}

		cfg.Cache.Databases = 0
		if err := cfg.Validate(); err == nil {
			t.Errorf("Expected validation error for zero databases")
		}
	})
}

func TestConfigurationLoading(t *testing.T) {
	t.Run("Config_File_Loading", func(t *testing.T) {
		yamlContent := `
network:
  resp_port: 6379
  resp_bind_addr: "127.0.0.1"

cache:
  max_memory: "1GB"
  default_ttl: "1h"

logging:
  level: "info"
`
		tmpfile, err := os.CreateTemp("", "config-test-*.yaml")
		if err != nil {
			t.Fatalf("Failed to create temp file: %v", err)
		}
		defer os.Remove(tmpfile.Name())

		if _, err := tmpfile.Write([]byte(yamlContent)); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		tmpfile.Close()

		cfg, err := config.Load(tmpfile.Name())
		if err != nil {
			t.Fatalf("Failed to load config from file: %v", err)
		}

		if cfg.Network.RESPPort != 6379 {
			t.Errorf("Expected port 6379, got %d", cfg.Network.RESPPort)
		}
		if cfg.Network.RESPBindAddr != "127.0.0.1" {
			t.Errorf("Expected bind addr '127.0.0.1', got %s", cfg.Network.RESPBindAddr)
		}
		if cfg.Cache.MaxMemory != "1GB" {
			t.Errorf("Expected memory '1GB', got %s", cfg.Cache.MaxMemory)
		}
	})
}
