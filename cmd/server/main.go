package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/events"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/gateway"
	gatewaymemory "modmail/backend/internal/gateway/memory"
	"modmail/backend/internal/health"
	"modmail/backend/internal/logger"
	"modmail/backend/internal/monitoring"
	"modmail/backend/internal/router"
	"modmail/backend/internal/smtp"
	"modmail/backend/internal/storage"
	storagememory "modmail/backend/internal/storage/memory"
	storageredis "modmail/backend/internal/storage/redis"
	storagesql "modmail/backend/internal/storage/sql"
	"modmail/backend/internal/thread"
	httptransport "modmail/backend/internal/transport/http"
	"modmail/backend/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting modmail relay",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development))

	var (
		store    storage.Store
		sqlStore *storagesql.Store
	)
	if cfg.Database.Type != "" {
		sqlStore, err = storagesql.NewStore(cfg.Database)
		if err != nil {
			log.Fatal("database storage failed", zap.Error(err))
		}
		store = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = storagememory.NewStore()
		log.Info("using memory storage")
	}

	if cfg.Redis.Address != "" {
		cached, err := storageredis.New(store, cfg.Redis, log)
		if err != nil {
			log.Fatal("redis cache failed", zap.Error(err))
		}
		store = cached
		log.Info("redis cache attached", zap.String("address", cfg.Redis.Address))
	}

	if err := store.Ping(); err != nil {
		log.Fatal("store unreachable", zap.Error(err))
	}

	// The relay core talks to the chat platform through gateway.Client. The
	// in-process loopback client serves deployments driven purely by the
	// staff API and mail ingress; a platform adapter replaces it.
	var client gateway.Client = gatewaymemory.NewClient(domain.User{
		ID:   "modmail",
		Name: "Modmail",
		Bot:  true,
	})

	metrics := monitoring.NewMetrics()
	bus := events.NewBus()

	threads := thread.NewManager(store, client, bus, cfg.Relay, log)
	accessGate := gate.New(store, client, cfg.Relay, log)

	relay := router.New(store, client, threads, accessGate, cfg.Relay, log)
	relay.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := threads.PopulateCache(ctx); err != nil {
		log.Fatal("thread recovery failed", zap.Error(err))
	}
	log.Info("threads recovered", zap.Int("open", threads.Count()))

	wsHub := websocket.NewHub(bus, cfg.CORS.AllowedOrigins, cfg.JWT.Secret, log)
	wsHub.SetMetrics(metrics)

	checker := health.NewChecker(store, client, log)
	if sqlStore != nil {
		checker.AddDatabaseCheck(sqlStore.DB())
	}

	collector := monitoring.NewCollector(metrics, bus, threads, store, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	engine := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Threads:      threads,
		Store:        store,
		Gate:         accessGate,
		WebSocketHub: wsHub,
		Health:       checker,
		Metrics:      metrics,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if cfg.SMTP.BindAddr != "" {
		smtpBackend := smtp.NewBackend(relay, cfg.SMTP, log)
		smtpBackend.SetMetrics(metrics)
		smtpServer := smtp.NewServer(smtpBackend)

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain))
			if err := smtpServer.ListenAndServe(); err != nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})

		group.Go(func() error {
			<-groupCtx.Done()
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting websocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		collector.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		threads.Stop()
		if sqlStore != nil {
			if err := sqlStore.Close(); err != nil {
				log.Warn("database close warning", zap.Error(err))
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}
