// Package config loads the ambient (non-protocol) configuration this
// module needs to run a session: target host/port, the trust-anchor
// RSA public key, worker-pool size, and persisted session state path.
// CLI argument parsing and credential prompting are out of scope
// (spec.md §1); this package only covers file/env-driven config.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete ambient configuration for one client session.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig names the remote endpoint (spec.md §4.4).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// HandshakeConfig carries the trust anchor (spec.md §6: "one RSA
// public key in PEM form, provided at startup").
type HandshakeConfig struct {
	RSAPublicKeyPEM string `yaml:"rsa_public_key_pem"`
	RSAPublicKeyPath string `yaml:"rsa_public_key_path"`
}

// LoadRSAPublicKeyPEM returns the configured PEM bytes, reading from
// disk if only a path was supplied.
func (h HandshakeConfig) LoadRSAPublicKeyPEM() ([]byte, error) {
	if h.RSAPublicKeyPEM != "" {
		return []byte(h.RSAPublicKeyPEM), nil
	}
	if h.RSAPublicKeyPath != "" {
		return os.ReadFile(h.RSAPublicKeyPath)
	}
	return nil, fmt.Errorf("config: no RSA public key configured")
}

// WorkerPoolConfig sizes the CPU-bound dispatch pool (spec.md §5).
type WorkerPoolConfig struct {
	Workers int `yaml:"workers"`
}

// PersistenceConfig names where the persisted auth_key/session_id pair
// (spec.md §6 "Persisted session state") is read from and written to.
type PersistenceConfig struct {
	StatePath string `yaml:"state_path"`
}

func defaults() Config {
	return Config{
		Server:     ServerConfig{Port: 443},
		WorkerPool: WorkerPoolConfig{Workers: 3},
	}
}

// Load reads YAML configuration from path, overlaying it onto
// defaults, then applies any matching MTPROTO2JSON_* environment
// variables (loaded first from a .env file in the working directory,
// if present, via godotenv).
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Host == "" {
		return nil, fmt.Errorf("config: server.host is required")
	}
	if cfg.WorkerPool.Workers < 1 {
		return nil, fmt.Errorf("config: worker_pool.workers must be >= 1")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MTPROTO2JSON_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MTPROTO2JSON_RSA_PUBLIC_KEY_PATH"); v != "" {
		cfg.Handshake.RSAPublicKeyPath = v
	}
	if v := os.Getenv("MTPROTO2JSON_STATE_PATH"); v != "" {
		cfg.Persistence.StatePath = v
	}
}
