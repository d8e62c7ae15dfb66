package main

import (
	"context"
	"flag"
	"log"
	"maps"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/api"
	"github.com/fathima-sithara/chat-sync/internal/auth"
	"github.com/fathima-sithara/chat-sync/internal/config"
	"github.com/fathima-sithara/chat-sync/internal/discovery"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/events"
	"github.com/fathima-sithara/chat-sync/internal/history"
	"github.com/fathima-sithara/chat-sync/internal/httpclient"
	"github.com/fathima-sithara/chat-sync/internal/media"
	"github.com/fathima-sithara/chat-sync/internal/metrics"
	"github.com/fathima-sithara/chat-sync/internal/service"
	"github.com/fathima-sithara/chat-sync/internal/utils"
	"github.com/fathima-sithara/chat-sync/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "", "optional config file (yaml, json, toml)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zl, err := utils.NewLogger(cfg.App.Dev(), cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	metrics.Init()

	verifier, err := auth.NewVerifier(cfg.Auth.PublicKeyPath)
	if err != nil {
		logger.Fatalf("jwt init: %v", err)
	}
	userID := cfg.Auth.UserID
	if userID == "" {
		if userID, err = verifier.Identity(cfg.Auth.Token); err != nil {
			logger.Fatalf("resolve identity: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpDisc, wsURL := resolveEndpoints(cfg, logger)

	store, closeStore := buildStore(ctx, cfg, httpDisc, userID, logger)
	defer closeStore()

	transport := ws.NewClient(ws.Options{
		URL:            wsURL,
		Token:          cfg.Auth.Token,
		Heartbeat:      cfg.Heartbeat,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		MaxAttempts:    cfg.WS.MaxReconnectAttempts,
		FlushRate:      cfg.WS.FlushRatePerSec,
		WriteDeadline:  cfg.WriteDeadline,
		HandshakeLimit: cfg.HandshakeTimeout,
	}, ws.GorillaDialer{HandshakeTimeout: cfg.HandshakeTimeout, ReadLimit: cfg.WS.MaxMessageSizeBytes}, logger)

	bus := events.NewBus(logger)
	if cfg.Kafka.Enabled {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		detach := sink.Attach(bus)
		defer func() {
			detach()
			_ = sink.Close()
		}()
		logger.Infow("kafka event sink enabled", "topic", cfg.Kafka.Topic)
	}

	manager := service.NewChatManager(transport, store, bus, service.Options{
		SendTimeout:    cfg.SendTimeout,
		TypingInterval: cfg.TypingInterval,
		TypingIdle:     cfg.TypingIdle,
		TypingExpiry:   cfg.TypingExpiry,
		RequestTimeout: cfg.RequestTimeout,
		PageSize:       cfg.Engine.PageSize,
	}, logger)

	if cfg.AWS.Enabled {
		s3store, err := media.NewS3Store(ctx, cfg.AWS.Region, cfg.AWS.Bucket, cfg.AWS.Endpoint, cfg.AWS.PublicRead)
		if err != nil {
			logger.Fatalf("s3 init: %v", err)
		}
		manager.SetUploader(media.NewService(s3store, userID, logger))
	}

	if err := manager.Initialize(ctx, &domain.User{ID: userID}); err != nil {
		logger.Fatalf("chat manager init: %v", err)
	}
	defer manager.Disconnect()

	if cfg.Server.Enabled {
		app := api.NewServer(manager, logger)
		go func() {
			if err := app.Listen(":" + cfg.Server.PortString()); err != nil {
				logger.Errorw("bridge listen", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = app.ShutdownWithContext(sctx)
		}()
		logger.Infow("observer bridge listening", "port", cfg.Server.Port)
	}

	logger.Infow("chat-sync started", "user_id", userID, "ws", wsURL)
	<-ctx.Done()
	logger.Infow("chat-sync stopping")
}

// resolveEndpoints returns the discovery used for REST services and the
// websocket URL, looked up in consul when enabled.
func resolveEndpoints(cfg *config.Config, logger *zap.SugaredLogger) (discovery.Discovery, string) {
	static := maps.Clone(cfg.Consul.Static)
	if static == nil {
		static = map[string]string{}
	}
	if _, ok := static[cfg.History.Service]; !ok && cfg.History.BaseURL != "" {
		static[cfg.History.Service] = cfg.History.BaseURL
	}
	if !cfg.Consul.Enabled {
		return discovery.NewStatic(static), cfg.WS.URL
	}

	httpDisc, err := discovery.NewConsul(cfg.Consul.Addr, "http", static, logger)
	if err != nil {
		logger.Fatalf("consul init: %v", err)
	}
	wsURL := cfg.WS.URL
	wsDisc, err := discovery.NewConsul(cfg.Consul.Addr, "ws", map[string]string{cfg.WS.Service: cfg.WS.URL}, logger)
	if err != nil {
		logger.Fatalf("consul init: %v", err)
	}
	if base, err := wsDisc.Lookup(cfg.WS.Service); err == nil && base != cfg.WS.URL {
		wsURL = strings.TrimSuffix(base, "/") + "/ws"
	}
	return httpDisc, wsURL
}

func buildStore(ctx context.Context, cfg *config.Config, disc discovery.Discovery, userID string, logger *zap.SugaredLogger) (history.Store, func()) {
	var store history.Store
	closers := []func(){}

	switch strings.ToLower(cfg.History.Backend) {
	case "mongo":
		mc, err := history.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			logger.Fatalf("mongo init: %v", err)
		}
		closers = append(closers, func() { _ = mc.Disconnect(context.Background()) })
		ms := history.NewMongoStore(mc.Database(cfg.Mongo.DB), userID)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.Warnw("mongo indexes", "err", err)
		}
		store = ms
	default:
		client := httpclient.NewClient(httpclient.ClientConfig{
			Timeout:         cfg.HistoryTimeout,
			MaxRetries:      cfg.History.MaxRetries,
			BreakerName:     cfg.History.Service,
			BreakerFailures: uint32(cfg.History.BreakerFailures),
		}, logger)
		store = history.NewRESTStore(client, disc, cfg.History.Service, cfg.Auth.Token, userID, logger)
	}

	if cfg.History.CacheEnabled {
		rdb, err := history.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("redis init: %v", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		store = history.NewCachedStore(store, history.NewRedisKV(rdb), history.CacheOptions{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.CacheTTL,
			UserID: userID,
		}, logger)
	}

	return store, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
