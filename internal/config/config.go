// Package config loads typed HoneyGrid configuration from a YAML file with
// environment-variable overrides, in the same shape for both the collector
// and the agent CLI.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration tree. A single type serves both
// launchers; each only reads the sections relevant to it.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Agent         AgentConfig         `yaml:"agent"`
	Notifications NotificationsConfig `yaml:"notifications"`
	UIQueue       UIQueueConfig       `yaml:"ui_queue"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the collector.
type ServerConfig struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	CACert         string         `yaml:"ca_cert"`
	ServerCert     string         `yaml:"server_cert"`
	ServerKey      string         `yaml:"server_key"`
	HTTPAddr       string         `yaml:"http_addr"`
	ShutdownGrace  int            `yaml:"shutdown_grace_sec"`
	Database       DatabaseConfig `yaml:"database"`
	Security       SecurityConfig `yaml:"security"`
	LivenessPeriod int            `yaml:"liveness_period_sec"`
	AgentTimeout   int            `yaml:"agent_timeout_sec"`
}

// DatabaseConfig configures the embedded encrypted store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// SecurityConfig configures wire-level defenses.
type SecurityConfig struct {
	MaxNonceCache      int `yaml:"max_nonce_cache"`
	TimestampTolerance int `yaml:"timestamp_tolerance"`
	RateLimitPerAgent  int `yaml:"rate_limit_per_agent"`
}

// AgentConfig configures the agent launcher.
type AgentConfig struct {
	AgentID         string                `yaml:"agent_id"`
	Server          AgentServerConfig     `yaml:"server"`
	Certificates    AgentCertConfig       `yaml:"certificates"`
	Monitoring      AgentMonitoringConfig `yaml:"monitoring"`
	Heartbeat       AgentHeartbeatConfig  `yaml:"heartbeat"`
	CaptureProcess  bool                  `yaml:"capture_process_info"`
	TrackContentSHA bool                  `yaml:"track_content_hash"`
	AccessSweep     bool                  `yaml:"access_time_sweep"`
}

type AgentServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AgentCertConfig struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

type AgentMonitoringConfig struct {
	WatchPaths []string             `yaml:"watch_paths"`
	RateLimit  AgentRateLimitConfig `yaml:"rate_limit"`
}

type AgentRateLimitConfig struct {
	MaxEventsPerSecond float64 `yaml:"max_events_per_second"`
	BurstSize          int     `yaml:"burst_size"`
}

type AgentHeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// NotificationsConfig configures the C8 notifier sinks.
type NotificationsConfig struct {
	Enabled              bool          `yaml:"enabled"`
	RateLimitSeconds     int           `yaml:"rate_limit_seconds"`
	BatchMode            bool          `yaml:"batch_mode"`
	BatchIntervalSeconds int           `yaml:"batch_interval_seconds"`
	MinSeverity          string        `yaml:"min_severity"`
	Email                EmailConfig   `yaml:"email"`
	Discord              DiscordConfig `yaml:"discord"`
	PubSub               PubSubConfig  `yaml:"pubsub"`
}

type EmailConfig struct {
	Enabled      bool     `yaml:"enabled"`
	SMTPHost     string   `yaml:"smtp_host"`
	SMTPPort     int      `yaml:"smtp_port"`
	SMTPUsername string   `yaml:"smtp_username"`
	SMTPPassword string   `yaml:"smtp_password"`
	FromAddress  string   `yaml:"from_address"`
	ToAddresses  []string `yaml:"to_addresses"`
	UseTLS       bool     `yaml:"use_tls"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
	AvatarURL  string `yaml:"avatar_url"`
	HMACSecret string `yaml:"hmac_secret"`
}

// PubSubConfig is the optional durable notifier sink.
type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// UIQueueConfig configures the operator side-output seam.
type UIQueueConfig struct {
	Capacity int         `yaml:"capacity"`
	Redis    RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loaded from CONFIG_PATH
// (default "config.yaml") with environment overrides applied.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig parses a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults mirrors the reference implementation's
// DEFAULT_SERVER_CONFIG / DEFAULT_AGENT_CONFIG.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9000
	}
	if c.Server.CACert == "" {
		c.Server.CACert = "certs/ca.crt"
	}
	if c.Server.ServerCert == "" {
		c.Server.ServerCert = "certs/server.crt"
	}
	if c.Server.ServerKey == "" {
		c.Server.ServerKey = "certs/server.key"
	}
	if c.Server.Database.Path == "" {
		c.Server.Database.Path = "data/honeygrid.db"
	}
	if c.Server.Security.MaxNonceCache == 0 {
		c.Server.Security.MaxNonceCache = 1000
	}
	if c.Server.Security.TimestampTolerance == 0 {
		c.Server.Security.TimestampTolerance = 60
	}
	if c.Server.Security.RateLimitPerAgent == 0 {
		c.Server.Security.RateLimitPerAgent = 100
	}
	if c.Server.LivenessPeriod == 0 {
		c.Server.LivenessPeriod = 30
	}
	if c.Server.AgentTimeout == 0 {
		c.Server.AgentTimeout = 90
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5
	}

	if c.Agent.AgentID == "" {
		c.Agent.AgentID = "agent-001"
	}
	if c.Agent.Server.Host == "" {
		c.Agent.Server.Host = "localhost"
	}
	if c.Agent.Server.Port == 0 {
		c.Agent.Server.Port = 9000
	}
	if c.Agent.Certificates.CACert == "" {
		c.Agent.Certificates.CACert = "certs/ca.crt"
	}
	if c.Agent.Monitoring.RateLimit.MaxEventsPerSecond == 0 {
		c.Agent.Monitoring.RateLimit.MaxEventsPerSecond = 10
	}
	if c.Agent.Monitoring.RateLimit.BurstSize == 0 {
		c.Agent.Monitoring.RateLimit.BurstSize = 20
	}
	if c.Agent.Heartbeat.IntervalSeconds == 0 {
		c.Agent.Heartbeat.IntervalSeconds = 30
	}
	if c.Agent.Heartbeat.TimeoutSeconds == 0 {
		c.Agent.Heartbeat.TimeoutSeconds = 10
	}

	if c.Notifications.RateLimitSeconds == 0 {
		c.Notifications.RateLimitSeconds = 60
	}
	if c.Notifications.BatchIntervalSeconds == 0 {
		c.Notifications.BatchIntervalSeconds = 3600
	}
	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "low"
	}
	if c.Notifications.Email.SMTPHost == "" {
		c.Notifications.Email.SMTPHost = "smtp.gmail.com"
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
	if c.Notifications.Email.FromAddress == "" {
		c.Notifications.Email.FromAddress = "honeygrid@example.com"
	}
	if c.Notifications.Discord.Username == "" {
		c.Notifications.Discord.Username = "HoneyGrid Bot"
	}

	if c.UIQueue.Capacity == 0 {
		c.UIQueue.Capacity = 256
	}
	if c.UIQueue.Redis.Channel == "" {
		c.UIQueue.Redis.Channel = "honeygrid:events"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// applyEnvOverrides implements the HONEYGRID_SECTION_KEY override
// convention (e.g. HONEYGRID_SERVER_PORT=9001).
func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("HONEYGRID_SERVER_HOST", c.Server.Host)
	if v := getEnvInt("HONEYGRID_SERVER_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	c.Server.CACert = getEnv("HONEYGRID_SERVER_CA_CERT", c.Server.CACert)
	c.Server.ServerCert = getEnv("HONEYGRID_SERVER_SERVER_CERT", c.Server.ServerCert)
	c.Server.ServerKey = getEnv("HONEYGRID_SERVER_SERVER_KEY", c.Server.ServerKey)
	c.Server.HTTPAddr = getEnv("HONEYGRID_SERVER_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.Database.Path = getEnv("HONEYGRID_SERVER_DATABASE_PATH", c.Server.Database.Path)
	c.Server.Database.Password = getEnv("HONEYGRID_SERVER_DATABASE_PASSWORD", c.Server.Database.Password)
	if v := getEnvInt("HONEYGRID_SERVER_SECURITY_MAX_NONCE_CACHE", 0); v > 0 {
		c.Server.Security.MaxNonceCache = v
	}
	if v := getEnvInt("HONEYGRID_SERVER_SECURITY_TIMESTAMP_TOLERANCE", 0); v > 0 {
		c.Server.Security.TimestampTolerance = v
	}
	if v := getEnvInt("HONEYGRID_SERVER_SECURITY_RATE_LIMIT_PER_AGENT", 0); v > 0 {
		c.Server.Security.RateLimitPerAgent = v
	}

	c.Agent.AgentID = getEnv("HONEYGRID_AGENT_AGENT_ID", c.Agent.AgentID)
	c.Agent.Server.Host = getEnv("HONEYGRID_AGENT_SERVER_HOST", c.Agent.Server.Host)
	if v := getEnvInt("HONEYGRID_AGENT_SERVER_PORT", 0); v > 0 {
		c.Agent.Server.Port = v
	}
	c.Agent.Certificates.CACert = getEnv("HONEYGRID_AGENT_CERTIFICATES_CA_CERT", c.Agent.Certificates.CACert)
	c.Agent.Certificates.ClientCert = getEnv("HONEYGRID_AGENT_CERTIFICATES_CLIENT_CERT", c.Agent.Certificates.ClientCert)
	c.Agent.Certificates.ClientKey = getEnv("HONEYGRID_AGENT_CERTIFICATES_CLIENT_KEY", c.Agent.Certificates.ClientKey)

	c.Notifications.Enabled = getEnvBool("HONEYGRID_NOTIFICATIONS_ENABLED", c.Notifications.Enabled)
	c.Notifications.Email.Enabled = getEnvBool("HONEYGRID_NOTIFICATIONS_EMAIL_ENABLED", c.Notifications.Email.Enabled)
	c.Notifications.Email.SMTPPassword = getEnv("HONEYGRID_NOTIFICATIONS_EMAIL_SMTP_PASSWORD", c.Notifications.Email.SMTPPassword)
	c.Notifications.Discord.Enabled = getEnvBool("HONEYGRID_NOTIFICATIONS_DISCORD_ENABLED", c.Notifications.Discord.Enabled)
	c.Notifications.Discord.WebhookURL = getEnv("HONEYGRID_NOTIFICATIONS_DISCORD_WEBHOOK_URL", c.Notifications.Discord.WebhookURL)
	c.Notifications.Discord.HMACSecret = getEnv("HONEYGRID_NOTIFICATIONS_DISCORD_HMAC_SECRET", c.Notifications.Discord.HMACSecret)
	c.Notifications.PubSub.Enabled = getEnvBool("HONEYGRID_NOTIFICATIONS_PUBSUB_ENABLED", c.Notifications.PubSub.Enabled)
	c.Notifications.PubSub.ProjectID = getEnv("HONEYGRID_NOTIFICATIONS_PUBSUB_PROJECT_ID", c.Notifications.PubSub.ProjectID)

	c.UIQueue.Redis.Enabled = getEnvBool("HONEYGRID_UI_QUEUE_REDIS_ENABLED", c.UIQueue.Redis.Enabled)
	c.UIQueue.Redis.Addr = getEnv("HONEYGRID_UI_QUEUE_REDIS_ADDR", c.UIQueue.Redis.Addr)

	c.Logging.Level = getEnv("HONEYGRID_LOGGING_LEVEL", c.Logging.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

