// Package config provides configuration management for the hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Hub        HubConfig        `mapstructure:"hub"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Flow       FlowConfig       `mapstructure:"flow"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout in seconds. 0 leaves writes undeadlined, which the run
	// event streams need since they stay open for the life of a run.
	WriteTimeout int `mapstructure:"writeTimeout"`
}

// HubConfig identifies the hub root directory whose .codex-autorunner/
// subtree holds all hub-level state.
type HubConfig struct {
	Root string `mapstructure:"root"`
}

// EventBusConfig selects the event bus implementation. An empty URL means
// the in-memory bus; a NATS URL switches to the NATS-backed bus.
type EventBusConfig struct {
	URL           string `mapstructure:"url"`
	QueueSize     int    `mapstructure:"queueSize"` // per-subscriber bounded queue
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for container destinations.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// FlowConfig holds flow runtime tunables.
type FlowConfig struct {
	TurnCap     int `mapstructure:"turnCap"`     // max turns per ticket
	StopTimeout int `mapstructure:"stopTimeout"` // seconds until a stop escalates to failed
	TurnTimeout int `mapstructure:"turnTimeout"` // seconds of soft per-turn budget
}

// DeliveryConfig holds delivery fan-out tunables.
type DeliveryConfig struct {
	ChunkSize int `mapstructure:"chunkSize"` // max chars per outbound chunk
}

// ChatConfig holds the chat surface adapters.
type ChatConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// SupervisorConfig holds agent session tunables.
type SupervisorConfig struct {
	RingBytes      int `mapstructure:"ringBytes"`      // PTY replay buffer size
	StatusInterval int `mapstructure:"statusInterval"` // ms between PTY status checks
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the stop deadline as a time.Duration.
func (f *FlowConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(f.StopTimeout) * time.Second
}

// TurnTimeoutDuration returns the per-turn soft budget as a time.Duration.
func (f *FlowConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(f.TurnTimeout) * time.Second
}

// StatusIntervalDuration returns the PTY status check interval.
func (s *SupervisorConfig) StatusIntervalDuration() time.Duration {
	return time.Duration(s.StatusInterval) * time.Millisecond
}

// detectDefaultLogFormat returns json in production-like environments and
// text for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AUTORUNNER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7717)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Hub defaults - current directory is the hub root
	v.SetDefault("hub.root", ".")

	// Event bus defaults - empty URL means in-memory
	v.SetDefault("eventbus.url", "")
	v.SetDefault("eventbus.queueSize", 256)
	v.SetDefault("eventbus.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Flow defaults
	v.SetDefault("flow.turnCap", 20)
	v.SetDefault("flow.stopTimeout", 30)
	v.SetDefault("flow.turnTimeout", 600)

	// Delivery defaults
	v.SetDefault("delivery.chunkSize", 3500)

	// Chat defaults - adapters off until a token is configured
	v.SetDefault("chat.telegram.enabled", false)
	v.SetDefault("chat.telegram.token", "")
	v.SetDefault("chat.discord.enabled", false)
	v.SetDefault("chat.discord.token", "")

	// Supervisor defaults
	v.SetDefault("supervisor.ringBytes", 64*1024)
	v.SetDefault("supervisor.statusInterval", 250)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTORUNNER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/autorunner/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTORUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase config keys, so bind those explicitly.
	_ = v.BindEnv("eventbus.queueSize", "AUTORUNNER_EVENTBUS_QUEUE_SIZE")
	_ = v.BindEnv("flow.turnCap", "AUTORUNNER_FLOW_TURN_CAP")
	_ = v.BindEnv("flow.stopTimeout", "AUTORUNNER_FLOW_STOP_TIMEOUT")
	_ = v.BindEnv("flow.turnTimeout", "AUTORUNNER_FLOW_TURN_TIMEOUT")
	_ = v.BindEnv("delivery.chunkSize", "AUTORUNNER_DELIVERY_CHUNK_SIZE")
	_ = v.BindEnv("chat.telegram.token", "AUTORUNNER_TELEGRAM_TOKEN")
	_ = v.BindEnv("chat.discord.token", "AUTORUNNER_DISCORD_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autorunner/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Hub.Root == "" {
		errs = append(errs, "hub.root must not be empty")
	}

	if cfg.EventBus.QueueSize <= 0 {
		errs = append(errs, "eventbus.queueSize must be positive")
	}

	if cfg.Flow.TurnCap <= 0 {
		errs = append(errs, "flow.turnCap must be positive")
	}
	if cfg.Flow.StopTimeout <= 0 {
		errs = append(errs, "flow.stopTimeout must be positive")
	}
	if cfg.Flow.TurnTimeout <= 0 {
		errs = append(errs, "flow.turnTimeout must be positive")
	}

	if cfg.Delivery.ChunkSize <= 0 {
		errs = append(errs, "delivery.chunkSize must be positive")
	}

	if cfg.Chat.Telegram.Enabled && cfg.Chat.Telegram.Token == "" {
		errs = append(errs, "chat.telegram.token is required when telegram is enabled")
	}
	if cfg.Chat.Discord.Enabled && cfg.Chat.Discord.Token == "" {
		errs = append(errs, "chat.discord.token is required when discord is enabled")
	}

	if cfg.Supervisor.RingBytes <= 0 {
		errs = append(errs, "supervisor.ringBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
