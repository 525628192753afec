package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"certledger.org/internal/auth"
)

// Load reads path when it is not empty, applies CERTD_* overrides and
// validates the result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(&c, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// applyEnvOverrides lets CERTD_ variables replace file values. Malformed
// numbers and durations are errors rather than silently ignored.
func applyEnvOverrides(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CERTD_LISTEN_ADDR", &c.Server.ListenAddr)
	str("CERTD_GRPC_ADDR", &c.Server.GRPCAddr)
	str("CERTD_PG_DSN", &c.Database.DSN)
	str("CERTD_AUTH_SECRET", &c.Auth.Secret)
	str("CERTD_CHAIN_MODE", &c.Chain.Mode)
	str("CERTD_ETH_RPC_URL", &c.Chain.RPCURL)
	str("CERTD_ETH_PRIVATE_KEY", &c.Chain.PrivateKey)
	str("CERTD_EXPLORER_URL", &c.Chain.ExplorerURL)
	c.Chain.Mode = strings.ToLower(c.Chain.Mode)

	if v := getenv("CERTD_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, o)
			}
		}
	}
	if v := getenv("CERTD_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CERTD_AUTO_MIGRATE: %w", err)
		}
		c.Database.AutoMigrate = b
	}
	if v := getenv("CERTD_ETH_CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CERTD_ETH_CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CERTD_ANCHOR_TIMEOUT", &c.Anchor.Timeout},
		{"CERTD_ANCHOR_RETRY_INTERVAL", &c.Anchor.RetryInterval},
		{"CERTD_ETH_POLL_INTERVAL", &c.Chain.PollInterval},
		{"CERTD_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}
	if v := getenv("CERTD_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CERTD_RATE_PER_SEC: %w", err)
		}
		c.RateLimit.PerSecond = f
	}
	if v := getenv("CERTD_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CERTD_RATE_BURST: %w", err)
		}
		c.RateLimit.Burst = n
	}
	if v := getenv("CERTD_MEMBERS"); v != "" {
		members, err := auth.ParseMembers(v)
		if err != nil {
			return fmt.Errorf("CERTD_MEMBERS: %w", err)
		}
		c.Auth.Members = members
	}
	return nil
}
