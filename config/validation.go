package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return errors.New("invalid health port")
	}
	if c.Server.Port == c.Health.Port {
		return errors.New("server and health ports must differ")
	}

	if c.Auth.Enabled {
		if c.Auth.PublicKeyPath == "" {
			return errors.New("auth.publicKeyPath must be set when auth is enabled")
		}
		if c.Auth.MaxAttempts < 1 {
			return errors.New("auth.maxAttempts must be at least 1")
		}
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		// Shares the state-store connection; nothing extra to check.
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Broker.Topics.GameCommands == "" || c.Broker.Topics.GameEvents == "" ||
		c.Broker.Topics.ChatCommands == "" || c.Broker.Topics.ChatEvents == "" {
		return errors.New("all broker topics must be configured")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.MailboxSize < 1 {
		return errors.New("mailbox size must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.Heartbeat.Interval >= c.Heartbeat.Grace {
		return errors.New("heartbeat interval should be less than the grace window")
	}
	if c.Heartbeat.Sweep < 1 {
		return errors.New("heartbeat sweep must be at least 1 second")
	}

	if c.Reconnect.TTL < 1 {
		return errors.New("reconnect TTL must be at least 1 second")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "WSGATEWAY_HOST")
	viper.BindEnv("server.port", "WSGATEWAY_PORT")
	viper.BindEnv("server.wsPath", "WSGATEWAY_WS_PATH")

	// Health
	viper.BindEnv("health.port", "WSGATEWAY_HEALTH_PORT")

	// Auth
	viper.BindEnv("auth.enabled", "WSGATEWAY_AUTH_ENABLED")
	viper.BindEnv("auth.publicKeyPath", "WSGATEWAY_AUTH_PUBLIC_KEY_PATH")
	viper.BindEnv("auth.revocationListKey", "WSGATEWAY_AUTH_REVOCATION_KEY")
	viper.BindEnv("auth.maxAttempts", "WSGATEWAY_AUTH_MAX_ATTEMPTS")

	// Redis
	viper.BindEnv("redis.address", "WSGATEWAY_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "WSGATEWAY_REDIS_PASSWORD")

	// Broker
	viper.BindEnv("broker.type", "WSGATEWAY_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "WSGATEWAY_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "WSGATEWAY_KAFKA_GROUPID")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "WSGATEWAY_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "WSGATEWAY_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "WSGATEWAY_WRITE_TIMEOUT")

	// Heartbeat
	viper.BindEnv("heartbeat.interval", "WSGATEWAY_HEARTBEAT_INTERVAL")
	viper.BindEnv("heartbeat.grace", "WSGATEWAY_HEARTBEAT_GRACE")

	// Reconnect
	viper.BindEnv("reconnect.ttl", "WSGATEWAY_RECONNECT_TTL")
}
