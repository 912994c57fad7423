// Package config provides configuration management for the orchestration core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Events       EventsConfig       `mapstructure:"events"`
	MessageBus   MessageBusConfig   `mapstructure:"messageBus"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the event stream endpoint.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between "sqlite" (single node) and "postgres" (multi node).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration for the Message Bus (§4.A).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// MessageBusConfig holds the §6 "message_bus.*" recognized options.
type MessageBusConfig struct {
	StreamName        string `mapstructure:"streamName"`
	RetentionMessages int    `mapstructure:"retentionMessages"`
	RetentionAgeSec   int    `mapstructure:"retentionAge"` // in seconds
	AckWaitSec        int    `mapstructure:"ackWait"`      // in seconds
}

func (m MessageBusConfig) RetentionAge() time.Duration {
	return time.Duration(m.RetentionAgeSec) * time.Second
}

func (m MessageBusConfig) AckWait() time.Duration {
	return time.Duration(m.AckWaitSec) * time.Second
}

// ConversationConfig holds the §6 "conversation.*" recognized options.
type ConversationConfig struct {
	AckTimeoutSec    int    `mapstructure:"ackTimeout"`    // default 60s
	AnswerTimeoutSec int    `mapstructure:"answerTimeout"` // default 10m
	MaxEscalation    int    `mapstructure:"maxEscalation"` // default 2
	FollowUpPolicy   string `mapstructure:"followUpPolicy"` // "single" or "repeated"
}

func (c ConversationConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSec) * time.Second
}

func (c ConversationConfig) AnswerTimeout() time.Duration {
	return time.Duration(c.AnswerTimeoutSec) * time.Second
}

// WorkflowConfig holds the §6 "workflow.*" recognized options.
type WorkflowConfig struct {
	ExecutionDeadlineHours int `mapstructure:"executionDeadlineHours"` // default 24h
}

func (w WorkflowConfig) ExecutionDeadline() time.Duration {
	return time.Duration(w.ExecutionDeadlineHours) * time.Hour
}

// StreamConfig holds the §6 "stream.*" recognized options for the Broadcast
// Stream component.
type StreamConfig struct {
	HeartbeatIntervalSec int `mapstructure:"heartbeatInterval"` // default 15s
	BufferSize           int `mapstructure:"bufferSize"`        // default 256
}

func (s StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSec) * time.Second
}

// OrchestratorConfig holds the §6 "orchestrator.*" recognized options.
type OrchestratorConfig struct {
	LockTTLSec         int `mapstructure:"lockTtl"`         // default 30s
	StandupIntervalSec int `mapstructure:"standupInterval"` // default 900s (15m); 0 disables standup digests
}

func (o OrchestratorConfig) LockTTL() time.Duration {
	return time.Duration(o.LockTTLSec) * time.Second
}

func (o OrchestratorConfig) StandupInterval() time.Duration {
	return time.Duration(o.StandupIntervalSec) * time.Second
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

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agentsquad-cluster")
	v.SetDefault("nats.clientId", "agentsquad-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("messageBus.streamName", "AGENT_MSG")
	v.SetDefault("messageBus.retentionMessages", 1_000_000)
	v.SetDefault("messageBus.retentionAge", int((7 * 24 * time.Hour).Seconds()))
	v.SetDefault("messageBus.ackWait", 30)

	v.SetDefault("conversation.ackTimeout", 60)
	v.SetDefault("conversation.answerTimeout", int((10 * time.Minute).Seconds()))
	v.SetDefault("conversation.maxEscalation", 2)
	v.SetDefault("conversation.followUpPolicy", "single")

	v.SetDefault("workflow.executionDeadlineHours", 24)

	v.SetDefault("stream.heartbeatInterval", 15)
	v.SetDefault("stream.bufferSize", 256)

	v.SetDefault("orchestrator.lockTtl", 30)
	v.SetDefault("orchestrator.standupInterval", 900)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTSQUAD_ followed by the config key
// upper-cased with "." replaced by "_" (e.g. AGENTSQUAD_SERVER_PORT).
// Config file should be named config.yaml and placed in the current directory or /etc/agentsquad/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTSQUAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentsquad/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "memory" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	if cfg.Conversation.MaxEscalation < 0 {
		errs = append(errs, "conversation.maxEscalation must not be negative")
	}
	if cfg.Conversation.FollowUpPolicy != "single" && cfg.Conversation.FollowUpPolicy != "repeated" {
		errs = append(errs, "conversation.followUpPolicy must be one of: single, repeated")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
