// Package config defines the AgentRelay configuration: a JSON5 file overlaid
// with AGENTRELAY_* environment variables. Secrets should come from env; the
// masked copy is what ever reaches logs or diagnostics.
package config

// Config is the root configuration.
type Config struct {
	Homeserver HomeserverConfig `json:"homeserver"`
	Agents     []AgentConfig    `json:"agents"`
	Database   DatabaseConfig   `json:"database"`
	Gateway    GatewayConfig    `json:"gateway"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Alerts     AlertsConfig     `json:"alerts"`
	Dedupe     DedupeConfig     `json:"dedupe"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Janitor    JanitorConfig    `json:"janitor"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// HomeserverConfig locates the chat homeserver.
type HomeserverConfig struct {
	// BaseURL is the client API root, e.g. "https://chat.example.com".
	BaseURL string `json:"base_url"`
	// ServerName is the domain part of protocol user ids and mentions.
	ServerName string `json:"server_name"`
}

// AgentConfig declares one managed agent identity. Agents are upserted into
// the identity store on startup; Password is exchanged for an access token
// when AccessToken is empty.
type AgentConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	UserID      string `json:"user_id"`
	Password    string `json:"password,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Mode is "standalone" (SQLite) or "managed" (Postgres).
	Mode        string `json:"mode"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// GatewayConfig configures the WS/HTTP listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPS   float64  `json:"rate_limit_rps,omitempty"`
	RateLimitBurst int      `json:"rate_limit_burst,omitempty"`
}

// RuntimeConfig locates the agent-runtime API used for recovery.
type RuntimeConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// AlertsConfig configures the push notification sink.
type AlertsConfig struct {
	// Endpoint is an ntfy-style topic URL. Empty disables pushes.
	Endpoint      string `json:"endpoint,omitempty"`
	Title         string `json:"title,omitempty"`
	WindowMinutes int    `json:"window_minutes,omitempty"`
}

// DedupeConfig bounds the inbound-event dedupe window.
type DedupeConfig struct {
	TTLMinutes int `json:"ttl_minutes,omitempty"`
}

// DeliveryConfig tunes async delivery.
type DeliveryConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds,omitempty"`
	// Store is "memory" (default) or "durable". Durable uses the same
	// backend as the identity store; memory loses tracking state on restart.
	Store string `json:"store,omitempty"`
}

// RecoveryConfig tunes approval-conflict recovery.
type RecoveryConfig struct {
	ApprovalThrottleMinutes int `json:"approval_throttle_minutes,omitempty"`
}

// JanitorConfig schedules storage maintenance.
type JanitorConfig struct {
	Schedule           string `json:"schedule,omitempty"` // 5-field cron
	RetentionHours     int    `json:"retention_hours,omitempty"`
	StaleQueuedMinutes int    `json:"stale_queued_minutes,omitempty"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Protocol    string  `json:"protocol,omitempty"` // "http" or "grpc"
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			BaseURL:    "http://localhost:8008",
			ServerName: "localhost",
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.agentrelay/relay.db",
		},
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           18790,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Alerts: AlertsConfig{
			Title:         "agentrelay",
			WindowMinutes: 5,
		},
		Dedupe: DedupeConfig{
			TTLMinutes: 10,
		},
		Delivery: DeliveryConfig{
			DefaultTimeoutSeconds: 60,
			Store:                 "memory",
		},
		Recovery: RecoveryConfig{
			ApprovalThrottleMinutes: 10,
		},
		Janitor: JanitorConfig{
			Schedule:           "*/5 * * * *",
			RetentionHours:     24,
			StaleQueuedMinutes: 10,
		},
	}
}
