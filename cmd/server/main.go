package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nexus-relay/internal/auth"
	"github.com/Tyrowin/nexus-relay/internal/chat"
	"github.com/Tyrowin/nexus-relay/internal/chatstore"
	"github.com/Tyrowin/nexus-relay/internal/dispatch"
	"github.com/Tyrowin/nexus-relay/internal/fanout"
	"github.com/Tyrowin/nexus-relay/internal/liveness"
	"github.com/Tyrowin/nexus-relay/internal/notify"
	"github.com/Tyrowin/nexus-relay/internal/presence"
	"github.com/Tyrowin/nexus-relay/internal/push"
	"github.com/Tyrowin/nexus-relay/internal/registry"
	"github.com/Tyrowin/nexus-relay/internal/server"
	"github.com/Tyrowin/nexus-relay/internal/signaling"
)

const (
	persistenceRetries = 3
	retryInitial       = 50 * time.Millisecond
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nexus relay: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (server.Config, error) {
	cfg, err := server.LoadConfig(nil)
	if err != nil {
		return server.Config{}, err
	}

	flags := pflag.NewFlagSet("nexus-relay", pflag.ContinueOnError)
	port := flags.StringP("port", "p", cfg.Port, "listen address (SERVER_PORT)")
	origins := flags.StringSlice("allowed-origins", cfg.AllowedOrigins, "allowed WebSocket origins (ALLOWED_ORIGINS)")
	redisAddr := flags.String("redis-addr", cfg.RedisAddr, "Redis address for presence; empty keeps presence in memory (REDIS_ADDR)")
	dbPath := flags.String("database", cfg.DatabasePath, "SQLite database path (DATABASE_PATH)")
	natsURL := flags.String("nats-url", cfg.NATSURL, "NATS URL for push notifications; empty logs them (NATS_URL)")
	logLevel := flags.String("log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	if err := flags.Parse(args); err != nil {
		return server.Config{}, err
	}

	cfg.Port = *port
	cfg.AllowedOrigins = *origins
	cfg.RedisAddr = *redisAddr
	cfg.DatabasePath = *dbPath
	cfg.NATSURL = *natsURL
	cfg.LogLevel = *logLevel
	return server.Sanitize(cfg), nil
}

type presenceBackend interface {
	presence.Store
	Close() error
}

type memoryBackend struct{ *presence.MemoryStore }

func (memoryBackend) Close() error { return nil }

func openPresence(ctx context.Context, cfg server.Config, logger *slog.Logger) (presenceBackend, error) {
	opts := presence.Options{TTL: cfg.PresenceTTL, HistoryTTL: cfg.PresenceHistoryTTL}
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, presence is kept in memory")
		return memoryBackend{presence.NewMemoryStore(opts)}, nil
	}

	store := presence.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "nexus:presence:", opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("presence backed by redis", "addr", cfg.RedisAddr)
	return store, nil
}

type pushBackend interface {
	push.Notifier
	Close() error
}

type logBackend struct{ *push.LogNotifier }

func (logBackend) Close() error { return nil }

func openPush(cfg server.Config, logger *slog.Logger) (pushBackend, error) {
	if cfg.NATSURL == "" {
		logger.Warn("NATS_URL not set, push notifications are only logged")
		return logBackend{push.NewLogNotifier(logger)}, nil
	}
	notifier, err := push.DialNATS(cfg.NATSURL, cfg.PushSubject, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSURL, err)
	}
	return notifier, nil
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting nexus relay", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presenceStore, err := openPresence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "presence", presenceStore.Close)

	store, err := chatstore.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "database", store.Close)

	notifier, err := openPush(cfg, logger)
	if err != nil {
		return err
	}
	defer closeWithLog(logger, "push", notifier.Close)

	var verifier auth.Verifier = auth.AllowAll{}
	if cfg.JWTSecret != "" {
		verifier = auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logger.Warn("JWT_SECRET not set, auth accepts any user id")
	}

	reg := registry.New(logger)
	fan := fanout.New(reg, logger)
	hub := server.NewHub(cfg.PersistenceTimeout, logger)
	chats := chat.NewRetryingStore(store, persistenceRetries, retryInitial, logger)

	supervisor := liveness.NewSupervisor(hub, reg, fan, presenceStore, liveness.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		TTL:               cfg.PresenceTTL,
		CallTimeout:       cfg.PresenceTimeout,
	}, logger)

	dispatcher := dispatch.New(dispatch.Deps{
		Registry:   reg,
		Fanout:     fan,
		Presence:   presenceStore,
		Resolver:   chat.NewResolver(chats, logger),
		Store:      chats,
		Relay:      signaling.NewRelay(reg, fan, notifier, logger),
		Heartbeats: supervisor,
		Push:       notifier,
		Verifier:   verifier,
		Async:      hub,
	}, dispatch.Config{PresenceTimeout: cfg.PresenceTimeout}, logger)
	supervisor.OnExpire(dispatcher.HandleExpired)

	poller := notify.NewPoller(store, hub, fan, notifier, notify.Config{
		Interval: cfg.NotificationPollInterval,
		Timeout:  cfg.PersistenceTimeout,
	}, logger)

	httpServer := server.New(cfg, hub, dispatcher, logger).HTTPServer()

	go hub.Run(dispatcher)
	sweep := supervisor.StartSweep(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sweep.Stop()
		return errors.Join(
			server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger),
			hub.Shutdown(cfg.ShutdownTimeout),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func closeWithLog(logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("error closing "+name, "error", err)
	}
}
