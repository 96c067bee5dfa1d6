package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.wsPath", "/ws")
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Health
	viper.SetDefault("health.port", 8081)
	viper.SetDefault("health.path", "/healthz")

	// Auth
	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.publicKeyPath", "keys/identity.pub.pem")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")
	viper.SetDefault("auth.maxAttempts", 3)

	// Redis
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)
	viper.SetDefault("redis.poolTimeout", 5)

	// Broker
	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.groupID", "ws-gateway")
	viper.SetDefault("broker.topics.gameCommands", "game.commands")
	viper.SetDefault("broker.topics.gameEvents", "game.events")
	viper.SetDefault("broker.topics.chatCommands", "chat.commands")
	viper.SetDefault("broker.topics.chatEvents", "chat.events")

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.mailboxSize", 64)

	// Heartbeat
	viper.SetDefault("heartbeat.interval", 25)
	viper.SetDefault("heartbeat.grace", 60)
	viper.SetDefault("heartbeat.sweep", 5)

	// Reconnect
	viper.SetDefault("reconnect.ttl", 300)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.maxSizeMB", 100)
	viper.SetDefault("log.maxBackups", 3)
	viper.SetDefault("log.maxAgeDays", 14)
}
