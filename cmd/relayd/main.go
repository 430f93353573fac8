// Command relayd runs the presence and message relay: the WebSocket endpoint,
// the HTTP account API and the metrics endpoint on one listener.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/heartbeat"
	"github.com/whisper/relay/internal/httpapi"
	"github.com/whisper/relay/internal/identity"
	"github.com/whisper/relay/internal/logging"
	"github.com/whisper/relay/internal/message"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/migrations"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/user"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("relay starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", cfg.HeartbeatTimeout),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("server_name", cfg.ServerName))

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		return err
	}

	messages := message.NewStore(db)
	users := user.NewStore(db)
	tokens := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	resolver := identity.NewResolver(tokens)

	opts := []relay.Option{
		relay.WithLogger(log),
		relay.WithHeartbeat(heartbeat.Config{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}),
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts,
			relay.WithSessions(session.NewStore(rdb, cfg.ServerName, 0)),
			relay.WithRateLimit(ratelimit.NewLimiter(rdb, log),
				ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow)))
	} else {
		log.Warn("REDIS_ADDR empty: session records and rate limiting disabled")
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "relay-" + cfg.ServerName
		pub, err := messaging.NewPublisher(natsCfg, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, relay.WithEvents(pub))
	}

	rel := relay.New(messages, opts...)

	wsServer := ws.NewServer(ws.Config{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, rel, resolver, log)
	if err := wsServer.Start(); err != nil {
		return err
	}

	api := httpapi.New(httpapi.Config{
		TokenTTL:     cfg.TokenTTL,
		CookieSecure: cfg.CookieSecure,
	}, users, messages, tokens, resolver, rel, log)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(wsServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ws shutdown", zap.Error(err))
	}
	log.Info("relay stopped")
	return nil
}
