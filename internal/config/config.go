// Package config loads certd settings from an optional YAML file with
// CERTD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"certledger.org/internal/auth"
)

const (
	ChainMemory   = "memory"
	ChainEthereum = "ethereum"
)

// Config is the root configuration of certd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Chain     ChainConfig     `yaml:"chain"`
	Anchor    AnchorConfig    `yaml:"anchor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables the health server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins,omitempty"`
}

// DatabaseConfig selects Postgres persistence. An empty DSN keeps every
// store in memory.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// AuthConfig holds the shared JWT secret and, without a database, the
// member directory.
type AuthConfig struct {
	Secret  string        `yaml:"secret"`
	Members []auth.Member `yaml:"members,omitempty"`
}

type ChainConfig struct {
	Mode         string        `yaml:"mode"`
	RPCURL       string        `yaml:"rpc_url"`
	PrivateKey   string        `yaml:"private_key"`
	ChainID      int64         `yaml:"chain_id"`
	ExplorerURL  string        `yaml:"explorer_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AnchorConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"` // 0 disables the retry worker
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 disables limiting
	Burst     int     `yaml:"burst"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			Mode:         ChainMemory,
			ExplorerURL:  "https://sepolia.etherscan.io",
			PollInterval: 2 * time.Second,
		},
		Anchor: AnchorConfig{
			Timeout:       2 * time.Minute,
			RetryInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40},
	}
}

// Validate rejects inconsistent settings and normalises member entries.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required (CERTD_AUTH_SECRET)"))
	}
	switch c.Chain.Mode {
	case ChainMemory:
	case ChainEthereum:
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required in ethereum mode"))
		}
		if c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("chain.private_key is required in ethereum mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("chain.mode %q must be %s or %s", c.Chain.Mode, ChainMemory, ChainEthereum))
	}
	if c.Anchor.Timeout <= 0 {
		errs = append(errs, errors.New("anchor.timeout must be positive"))
	}
	if c.Anchor.RetryInterval < 0 {
		errs = append(errs, errors.New("anchor.retry_interval must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs per_second >= 0 and burst >= 1"))
	}
	seen := make(map[string]bool, len(c.Auth.Members))
	for i := range c.Auth.Members {
		m := &c.Auth.Members[i]
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("auth.members[%d]: %w", i, err))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("auth.members[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if m.Name == "" {
			m.Name = m.ID
		}
	}
	return errors.Join(errs...)
}
