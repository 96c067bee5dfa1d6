package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Health    HealthConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	WSPath       string
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type HealthConfig struct {
	Port int
	Path string
}

type AuthConfig struct {
	Enabled           bool
	PublicKeyPath     string
	RevocationListKey string
	MaxAttempts       int
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type   string // "redis" or "kafka"
	Kafka  KafkaConfig
	Topics TopicsConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string // instance id is appended so every instance sees every event
}

type TopicsConfig struct {
	GameCommands string
	GameEvents   string
	ChatCommands string
	ChatEvents   string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int64 // Bytes
	HandshakeTimeout int   // Seconds
	WriteTimeout     int   // Seconds
	MailboxSize      int   // Frames buffered per connection
}

type HeartbeatConfig struct {
	Interval int // Seconds, expected client cadence (T1)
	Grace    int // Seconds, window before forced close (T2)
	Sweep    int // Seconds, monitor tick
}

type ReconnectConfig struct {
	TTL int // Seconds a reconnection token stays redeemable
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level      string
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("WSGATEWAY")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
