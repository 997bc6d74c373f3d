package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGENTRELAY_HOMESERVER_URL", &c.Homeserver.BaseURL)
	envStr("AGENTRELAY_SERVER_NAME", &c.Homeserver.ServerName)

	envStr("AGENTRELAY_MODE", &c.Database.Mode)
	envStr("AGENTRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTRELAY_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("AGENTRELAY_HOST", &c.Gateway.Host)
	envInt("AGENTRELAY_PORT", &c.Gateway.Port)
	envStr("AGENTRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	if v := os.Getenv("AGENTRELAY_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("AGENTRELAY_RUNTIME_URL", &c.Runtime.BaseURL)
	envStr("AGENTRELAY_RUNTIME_TOKEN", &c.Runtime.Token)

	envStr("AGENTRELAY_ALERT_ENDPOINT", &c.Alerts.Endpoint)
	envStr("AGENTRELAY_ALERT_TITLE", &c.Alerts.Title)

	envInt("AGENTRELAY_DEDUPE_TTL_MINUTES", &c.Dedupe.TTLMinutes)
	envInt("AGENTRELAY_DELIVERY_TIMEOUT_SECONDS", &c.Delivery.DefaultTimeoutSeconds)
	envStr("AGENTRELAY_DELIVERY_STORE", &c.Delivery.Store)

	envStr("AGENTRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("AGENTRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

const mask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Use when printing or logging configuration.
func (c *Config) MaskedCopy() *Config {
	cp := *c

	maskIf := func(s *string) {
		if *s != "" {
			*s = mask
		}
	}
	maskIf(&cp.Gateway.Token)
	maskIf(&cp.Runtime.Token)

	cp.Agents = make([]AgentConfig, len(c.Agents))
	copy(cp.Agents, c.Agents)
	for i := range cp.Agents {
		maskIf(&cp.Agents[i].Password)
		maskIf(&cp.Agents[i].AccessToken)
	}

	if cp.Database.PostgresDSN != "" {
		cp.Database.PostgresDSN = mask
	}
	return &cp
}
