package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eventhub/live/internal/api"
	"github.com/eventhub/live/internal/auth"
	"github.com/eventhub/live/internal/chat"
	"github.com/eventhub/live/internal/config"
	"github.com/eventhub/live/internal/directory"
	"github.com/eventhub/live/internal/dispatch"
	"github.com/eventhub/live/internal/gateway"
	"github.com/eventhub/live/internal/logging"
	"github.com/eventhub/live/internal/messaging"
	"github.com/eventhub/live/internal/notification"
	"github.com/eventhub/live/internal/ratelimit"
	"github.com/eventhub/live/internal/report"
	"github.com/eventhub/live/internal/room"
	"github.com/eventhub/live/internal/session"
	"github.com/eventhub/live/internal/storage"
	"github.com/eventhub/live/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("live server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	if err := storage.Migrate(cfg.DatabaseURL, logger); err != nil {
		return err
	}
	db, err := storage.Open(ctx, cfg.DatabaseURL, storage.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Redis ---
	redisClient, err := session.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	sessions := session.NewStore(redisClient, cfg.ServerName)
	defer sessions.Close()
	limiter := ratelimit.NewLimiter(redisClient, logger)

	dir := directory.New(db)
	rooms := room.NewRegistry()

	// --- Fan-out ---
	var publisher dispatch.Publisher = dispatch.NewLocalPublisher(rooms, logger)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		relay := dispatch.NewRelayPublisher(natsClient, publisher, logger)
		if err := relay.Start(); err != nil {
			return err
		}
		publisher = relay
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Messages:      chat.NewStore(db),
		Notifications: notification.NewStore(db),
		Reports:       report.NewStore(db),
		Directory:     dir,
		Publisher:     publisher,
		Logger:        logger,
	})
	gate := dispatch.NewGate(dir)
	authenticator := auth.NewAuthenticator(cfg.JWTSecret, dir)

	gw := gateway.New(gateway.Deps{
		Dispatcher:      dispatcher,
		Auth:            authenticator,
		Gate:            gate,
		Limiter:         limiter,
		Sessions:        sessions,
		Rooms:           rooms,
		Logger:          logger,
		StrictUserRooms: cfg.StrictUserRooms,
	})
	if !cfg.StrictUserRooms {
		logger.Warn("STRICT_USER_ROOMS is off: join_user accepts any user id")
	}

	server, err := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, sessions, gw, rooms, logger)
	if err != nil {
		return err
	}

	engine := api.NewEngine(api.EngineConfig{
		CORSOrigins: cfg.CORSOrigins,
		RateRPS:     cfg.HTTPRateRPS,
		RateBurst:   cfg.HTTPRateBurst,
	}, api.NewHandler(dispatcher, gate, limiter), authenticator, logger)
	server.Mount("/", engine)

	logger.Info("live server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("server_name", cfg.ServerName),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("relay", cfg.NATSURL != ""),
		zap.Bool("strict_user_rooms", cfg.StrictUserRooms))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
