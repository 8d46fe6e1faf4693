// Package config loads runtime configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Cluster ClusterConfig
	Redis   RedisConfig
	History HistoryConfig
	Auth    AuthConfig
	Slack   SlackConfig
	Discord DiscordConfig
}

type ServerConfig struct {
	Addr string
	// NodeID distinguishes this node's queues on the shared broker.
	NodeID       string
	APIKeyHeader string
	APIKey       string
}

type LogConfig struct {
	Level string
}

type ClusterConfig struct {
	// Mode selects the bus transport: "memory" for a single node,
	// "amqp" for a broker-backed cluster.
	Mode    string
	AMQPURL string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// HistoryTTL expires volatile channel logs.
	HistoryTTL time.Duration
	// LockLease bounds how long a crashed node keeps a distributed lock.
	LockLease time.Duration
}

type HistoryConfig struct {
	// Limit is the per-channel trailing log size.
	Limit int
}

type AuthConfig struct {
	Endpoint    string
	HeaderName  string
	HeaderValue string
	CacheTTL    time.Duration
	Timeout     time.Duration
}

type SlackConfig struct {
	Enabled       bool
	WebhookURL    string
	IncomingToken string
	Username      string
	// Channels maps internal channel names to Slack channel names.
	Channels map[string]string
}

type DiscordConfig struct {
	Enabled  bool
	Username string
	// WebhookURLs maps internal channel names to Discord webhook URLs.
	WebhookURLs map[string]string
}

// LoadConfig reads the named config file (default "config") plus
// CHATRELAY_* environment overrides. A missing file is not an error;
// defaults and env vars carry a single-node setup.
func LoadConfig(fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.nodeId", "node-1")
	v.SetDefault("server.apiKeyHeader", "X-Api-Key")
	v.SetDefault("log.level", "info")
	v.SetDefault("cluster.mode", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.historyTTL", "24h")
	v.SetDefault("redis.lockLease", "30s")
	v.SetDefault("history.limit", 100)
	v.SetDefault("auth.cacheTTL", "10s")
	v.SetDefault("auth.timeout", "10s")

	if fileName == "" {
		fileName = "config"
	}
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Warn("config file not found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
