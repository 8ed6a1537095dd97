// Copyright 2025 The Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for one node.
type Config struct {
	Name string `yaml:"name" json:"name" usage:"Node name, unique across the cluster. Default 'parley'."`

	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Socket    *SocketConfig    `yaml:"socket" json:"socket"`
	Session   *SessionConfig   `yaml:"session" json:"session"`
	Presence  *PresenceConfig  `yaml:"presence" json:"presence"`
	Typing    *TypingConfig    `yaml:"typing" json:"typing"`
	Backplane *BackplaneConfig `yaml:"backplane" json:"backplane"`
	Database  *DatabaseConfig  `yaml:"database" json:"database"`
}

// LoggerConfig is the runtime log output configuration.
type LoggerConfig struct {
	Level    string `yaml:"level" json:"level" usage:"Log level: debug, info, warn, error. Default 'info'."`
	Stdout   bool   `yaml:"stdout" json:"stdout" usage:"Log to standard output. Default true."`
	File     string `yaml:"file" json:"file" usage:"Log file path. Empty disables file logging."`
	MaxSize  int    `yaml:"max_size" json:"max_size" usage:"Maximum size in MB of the log file before rotation. Default 100."`
	MaxAge   int    `yaml:"max_age" json:"max_age" usage:"Maximum number of days to retain rotated log files. Default 0 (no limit)."`
	Format   string `yaml:"format" json:"format" usage:"Log output format: json or console. Default 'json'."`
}

// SocketConfig covers the websocket listener and per-connection transport.
type SocketConfig struct {
	Address              string `yaml:"address" json:"address" usage:"Listen address. Default '' (all interfaces)."`
	Port                 int    `yaml:"port" json:"port" usage:"Listen port. Default 7350."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum inbound frame size. Must fit a maximum-length message after JSON escaping. Default 32768."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Websocket read buffer size. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Websocket write buffer size. Default 4096."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Interval between server pings. Default 15000."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time to wait for a pong before closing. Default 25000."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Write deadline per outbound frame. Default 5000."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Per-session outbound queue length. Default 64."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Inbound frames that reset the ping timer before a forced ping. Default 20."`
}

// SessionConfig covers credential verification.
type SessionConfig struct {
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key" usage:"HMAC key used to verify session tokens."`
}

// PresenceConfig covers the presence state machine timings.
type PresenceConfig struct {
	IdleAfterSec    int `yaml:"idle_after_sec" json:"idle_after_sec" usage:"Heartbeat gap before a user is marked idle server-side. Default 60."`
	OfflineGraceSec int `yaml:"offline_grace_sec" json:"offline_grace_sec" usage:"Grace period after the last disconnect before a user goes offline. Default 8."`
	SweepIntervalMs int `yaml:"sweep_interval_ms" json:"sweep_interval_ms" usage:"Presence sweep interval. Default 1000."`
}

// TypingConfig covers typing indicator expiry.
type TypingConfig struct {
	TTLMs           int `yaml:"ttl_ms" json:"ttl_ms" usage:"Typing indicator lifetime without refresh. Default 5000."`
	SweepIntervalMs int `yaml:"sweep_interval_ms" json:"sweep_interval_ms" usage:"Typing expiry sweep interval. Default 1000."`
}

// BackplaneConfig covers the shared pub/sub substrate used for cross-instance
// replication. An empty address selects the in-process loopback backplane,
// which is only correct for a single-node deployment.
type BackplaneConfig struct {
	Address          string `yaml:"address" json:"address" usage:"Redis server address (host:port). Empty selects single-node loopback mode."`
	Password         string `yaml:"password" json:"password" usage:"Redis server password. Optional."`
	DB               int    `yaml:"db" json:"db" usage:"Redis database number. Default 0."`
	TLS              bool   `yaml:"tls" json:"tls" usage:"Use TLS for the Redis connection. Default false."`
	ChannelPrefix    string `yaml:"channel_prefix" json:"channel_prefix" usage:"Prefix for pub/sub channels. Default 'parley'."`
	PublishTimeoutMs int    `yaml:"publish_timeout_ms" json:"publish_timeout_ms" usage:"Bound on a single publish attempt. Default 3000."`
	PublishRetries   int    `yaml:"publish_retries" json:"publish_retries" usage:"Publish attempts for a persisted message before reporting degraded delivery. Default 3."`
	ReconnectBaseMs  int    `yaml:"reconnect_base_ms" json:"reconnect_base_ms" usage:"Initial reconnect backoff. Default 500."`
	ReconnectMaxMs   int    `yaml:"reconnect_max_ms" json:"reconnect_max_ms" usage:"Maximum reconnect backoff. Default 15000."`
	DedupeCacheSize  int    `yaml:"dedupe_cache_size" json:"dedupe_cache_size" usage:"Recently-delivered event IDs remembered for idempotent replay. Default 8192."`
}

// DatabaseConfig covers the message persistence collaborator.
type DatabaseConfig struct {
	Address         string `yaml:"address" json:"address" usage:"PostgreSQL DSN. Empty selects the in-memory store (development only)."`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum open database connections. Default 16."`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Connection lifetime in milliseconds. Default 3600000."`
}

// NewConfig returns a configuration with default values for every section.
func NewConfig() *Config {
	return &Config{
		Name: "parley",
		Logger: &LoggerConfig{
			Level:   "info",
			Stdout:  true,
			MaxSize: 100,
			Format:  "json",
		},
		Socket: &SocketConfig{
			Port:                 7350,
			MaxMessageSizeBytes:  32768,
			ReadBufferSizeBytes:  4096,
			WriteBufferSizeBytes: 4096,
			PingPeriodMs:         15000,
			PongWaitMs:           25000,
			WriteWaitMs:          5000,
			OutgoingQueueSize:    64,
			PingBackoffThreshold: 20,
		},
		Session: &SessionConfig{
			EncryptionKey: "defaultencryptionkey",
		},
		Presence: &PresenceConfig{
			IdleAfterSec:    60,
			OfflineGraceSec: 8,
			SweepIntervalMs: 1000,
		},
		Typing: &TypingConfig{
			TTLMs:           5000,
			SweepIntervalMs: 1000,
		},
		Backplane: &BackplaneConfig{
			ChannelPrefix:    "parley",
			PublishTimeoutMs: 3000,
			PublishRetries:   3,
			ReconnectBaseMs:  500,
			ReconnectMaxMs:   15000,
			DedupeCacheSize:  8192,
		},
		Database: &DatabaseConfig{
			MaxOpenConns:    16,
			ConnMaxLifetime: 3600000,
		},
	}
}

// ParseArgs loads configuration from an optional YAML file given with
// --config, overlaid on defaults.
func ParseArgs(logger *zap.Logger, args []string) *Config {
	config := NewConfig()

	fs := flag.NewFlagSet("parley", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file.")
	name := fs.String("name", "", "Node name, unique across the cluster.")
	if err := fs.Parse(args); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", *configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", *configPath), zap.Error(err))
		}
	}
	if *name != "" {
		config.Name = *name
	}

	return config
}

// ValidateConfig terminates the process on configuration it cannot run with.
func ValidateConfig(logger *zap.Logger, config *Config) {
	if config.Name == "" {
		logger.Fatal("Node name must not be empty", zap.String("param", "name"))
	}
	if config.Session.EncryptionKey == "" {
		logger.Fatal("Session encryption key must not be empty", zap.String("param", "session.encryption_key"))
	}
	if config.Socket.PongWaitMs <= config.Socket.PingPeriodMs {
		logger.Fatal("Pong wait must be greater than ping period",
			zap.Int("socket.pong_wait_ms", config.Socket.PongWaitMs),
			zap.Int("socket.ping_period_ms", config.Socket.PingPeriodMs))
	}
	if config.Socket.MaxMessageSizeBytes < minReadLimitBytes {
		// A frame limit below this cuts valid maximum-length messages off at
		// the socket instead of rejecting them with an error envelope.
		logger.Fatal("Socket max message size cannot fit a maximum-length message",
			zap.Int64("socket.max_message_size_bytes", config.Socket.MaxMessageSizeBytes),
			zap.Int64("minimum", minReadLimitBytes))
	}
	if config.Presence.OfflineGraceSec < 1 {
		logger.Fatal("Presence offline grace must be >= 1 second", zap.Int("presence.offline_grace_sec", config.Presence.OfflineGraceSec))
	}
	if config.Typing.TTLMs < config.Typing.SweepIntervalMs {
		logger.Fatal("Typing TTL must be at least one sweep interval",
			zap.Int("typing.ttl_ms", config.Typing.TTLMs),
			zap.Int("typing.sweep_interval_ms", config.Typing.SweepIntervalMs))
	}
	if config.Backplane.PublishRetries < 1 {
		logger.Fatal("Backplane publish retries must be >= 1", zap.Int("backplane.publish_retries", config.Backplane.PublishRetries))
	}
	if config.Backplane.Address == "" {
		logger.Warn("Backplane address not set, running in single-node loopback mode. Cross-instance delivery is disabled.")
	}
	if config.Database.Address == "" {
		logger.Warn("Database address not set, messages are stored in memory and lost on restart.")
	}
}

func (c *SocketConfig) PingPeriod() time.Duration { return time.Duration(c.PingPeriodMs) * time.Millisecond }
func (c *SocketConfig) PongWait() time.Duration   { return time.Duration(c.PongWaitMs) * time.Millisecond }
func (c *SocketConfig) WriteWait() time.Duration  { return time.Duration(c.WriteWaitMs) * time.Millisecond }

func (c *PresenceConfig) IdleAfter() time.Duration     { return time.Duration(c.IdleAfterSec) * time.Second }
func (c *PresenceConfig) OfflineGrace() time.Duration  { return time.Duration(c.OfflineGraceSec) * time.Second }
func (c *PresenceConfig) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalMs) * time.Millisecond }

func (c *TypingConfig) TTL() time.Duration           { return time.Duration(c.TTLMs) * time.Millisecond }
func (c *TypingConfig) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalMs) * time.Millisecond }

func (c *BackplaneConfig) PublishTimeout() time.Duration { return time.Duration(c.PublishTimeoutMs) * time.Millisecond }
func (c *BackplaneConfig) ReconnectBase() time.Duration  { return time.Duration(c.ReconnectBaseMs) * time.Millisecond }
func (c *BackplaneConfig) ReconnectMax() time.Duration   { return time.Duration(c.ReconnectMaxMs) * time.Millisecond }
