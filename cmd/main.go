package main

import (
	"context"
	"crewlink/backend/internal/api/handler"
	"crewlink/backend/internal/bridge"
	"crewlink/backend/internal/bus"
	"crewlink/backend/internal/chat"
	"crewlink/backend/internal/chathub"
	"crewlink/backend/internal/config"
	"crewlink/backend/internal/idgen"
	"crewlink/backend/internal/localization"
	"crewlink/backend/internal/logger"
	"crewlink/backend/internal/metrics"
	"crewlink/backend/internal/notification"
	"crewlink/backend/internal/registry"
	"crewlink/backend/internal/storage"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.Logging.Env,
		Level:       cfg.Logging.Level,
		Service:     "crewlink-realtime",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting CrewLink realtime backend...",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("bus_driver", cfg.Bus.Driver),
		zap.Int64("node_id", cfg.IDs.NodeID))
	if !cfg.NodeIDExplicit() {
		log.Warn("NODE_ID not set, using 0; two instances with the same node id issue colliding ids")
	}

	// 1. Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// 2. Database and migrations
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := storage.NewStorageService(db)

	ids, err := idgen.New(cfg.IDs.NodeID,
		idgen.WithEpoch(cfg.IDs.Epoch),
		idgen.WithHooks(m.IDsIssued.Inc, m.SequenceExhausted.Inc),
	)
	if err != nil {
		return err
	}

	// 3. Inter-process bus
	b, err := bus.Open(ctx, bus.Options{
		Driver:        cfg.Bus.Driver,
		RedisAddr:     cfg.Bus.Redis.Addr,
		RedisPassword: cfg.Bus.Redis.Password,
		RedisDB:       cfg.Bus.Redis.DB,
		AMQPURL:       cfg.Bus.AMQP.URL,
		AMQPExchange:  cfg.Bus.AMQP.Exchange,
		PGNotifyDSN:   cfg.Bus.PGNotifyDSN,
		Breaker:       cfg.Bus.Driver != "memory",
	}, log)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer b.Close()

	// 4. Broker, bridges, connection registry
	broker := chathub.NewBroker(nil, log)
	chatBridge := bridge.NewChatBridge(b, broker, log, m)
	broker.SetWatcher(chatBridge)

	conns := registry.New(registry.Config{IdleTimeout: cfg.Push.IdleTimeout, Buffer: cfg.Push.Buffer}, log, m)
	notifyBridge := bridge.NewNotificationBridge(b, cfg.Bus.NotificationChannel, conns, log, m)
	if err := notifyBridge.Start(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Bus.NotificationChannel, err)
	}

	loc, err := localization.Default()
	if err != nil {
		return err
	}

	chatSvc := chat.NewService(store, store, ids, log, chat.WithMaxBody(cfg.Chat.MaxBody))
	notifySvc := notification.NewService(store, ids, notifyBridge, loc, log, notification.WithLanguage(cfg.Locale))

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	go broker.Run(brokerCtx)

	// 5. Gin and routing
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	h := handler.NewHandler(handler.Deps{
		Chat:          chatSvc,
		Notifications: notifySvc,
		Broker:        broker,
		Registry:      conns,
		ChatBridge:    chatBridge,
		Auth:          handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		SendRetries:   cfg.Chat.SendRetries,
		Health:        store.Ping,
		Log:           log,
	})
	h.Routes(r, promReg)

	// WriteTimeout stays 0: SSE and WebSocket responses are long-lived.
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Push streams and sockets never finish on their own; end them first.
	conns.CloseAll()
	stopBroker()
	<-broker.Done()

	if err := notifyBridge.Stop(shutdownCtx); err != nil {
		log.Warn("unsubscribe notifications", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}
