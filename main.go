package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tablehall/gateway/auth"
	"github.com/tablehall/gateway/broker"
	"github.com/tablehall/gateway/config"
	"github.com/tablehall/gateway/game"
	"github.com/tablehall/gateway/gateway"
	"github.com/tablehall/gateway/logger"
	"github.com/tablehall/gateway/metrics"
	"github.com/tablehall/gateway/server"
	"github.com/tablehall/gateway/store"
)

func main() {
	env := flag.String("env", "development", "configuration environment")
	flag.Parse()

	if err := config.Initialize(*env); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := config.Get()

	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	serverID := uuid.New().String()
	zlog = zlog.With(zap.String("server_id", serverID))
	zlog.Info("starting gateway", zap.String("env", *env))

	redisClient, err := store.NewRedisClient(
		cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.PoolTimeout)
	if err != nil {
		zlog.Fatal("redis connection failed", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()
	st := store.NewRedisStore(redisClient)

	mb, err := buildBroker(cfg, serverID, redisClient, zlog)
	if err != nil {
		zlog.Fatal("broker setup failed", zap.Error(err))
	}
	defer func() { _ = mb.Close() }()

	var verifier *auth.Verifier
	if cfg.Auth.Enabled {
		verifier, err = auth.NewVerifier(
			cfg.Auth.PublicKeyPath, cfg.Auth.RevocationListKey, redisClient, zlog.Named("auth"))
		if err != nil {
			zlog.Fatal("auth setup failed", zap.Error(err))
		}
	} else {
		zlog.Warn("authentication disabled, tokens are taken as user ids")
	}

	manager := gateway.NewManager(
		st, cfg.WebSocket.MaxConnections,
		time.Duration(cfg.Reconnect.TTL)*time.Second, zlog.Named("manager"))
	router := gateway.NewRouter(
		manager, st, mb, game.NewCoordinator(), verifier,
		gateway.Topics{
			GameCommands: cfg.Broker.Topics.GameCommands,
			GameEvents:   cfg.Broker.Topics.GameEvents,
			ChatCommands: cfg.Broker.Topics.ChatCommands,
			ChatEvents:   cfg.Broker.Topics.ChatEvents,
		},
		cfg.Auth.MaxAttempts, zlog.Named("router"))
	handler := gateway.NewHandler(manager, router, gateway.HandlerConfig{
		MessageSizeLimit: cfg.WebSocket.MessageSizeLimit,
		HandshakeTimeout: time.Duration(cfg.WebSocket.HandshakeTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.WebSocket.WriteTimeout) * time.Second,
		MailboxSize:      cfg.WebSocket.MailboxSize,
	}, zlog.Named("handler"))

	bridge := gateway.NewBridge(manager, mb,
		[]string{cfg.Broker.Topics.GameEvents, cfg.Broker.Topics.ChatEvents},
		zlog.Named("bridge"))
	monitor := gateway.NewMonitor(manager, st, router.PublishEvent,
		time.Duration(cfg.Heartbeat.Grace)*time.Second,
		time.Duration(cfg.Heartbeat.Sweep)*time.Second,
		zlog.Named("monitor"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := bridge.Run(ctx); err != nil {
			zlog.Error("bridge stopped", zap.Error(err))
			stop()
		}
	}()
	go monitor.Run(ctx)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, zlog.Named("metrics"))
	}

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		WSPath:       cfg.Server.WSPath,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		HealthPort:   cfg.Health.Port,
		HealthPath:   cfg.Health.Path,
	}, handler, map[string]server.HealthCheck{
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, zlog.Named("server"))

	if err := srv.Run(ctx); err != nil {
		zlog.Error("server stopped", zap.Error(err))
	}

	zlog.Info("shutting down", zap.Int("active_connections", manager.Count()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.CloseAll(shutdownCtx, 1001, "server shutting down")
	zlog.Info("gateway stopped")
}

func buildBroker(cfg *config.AppConfig, serverID string, redisClient *redis.Client, zlog *zap.Logger) (broker.MessageBroker, error) {
	switch cfg.Broker.Type {
	case "redis":
		return broker.NewRedisBroker(redisClient), nil
	case "kafka":
		// Each instance gets its own consumer group so every instance sees
		// every event and filters by local audience.
		groupID := fmt.Sprintf("%s-%s", cfg.Broker.Kafka.GroupID, serverID)
		return broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, groupID, zlog.Named("kafka"))
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}
