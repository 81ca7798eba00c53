package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/auth"
	"github.com/voicelink/signaling/internal/v1/autoclose"
	"github.com/voicelink/signaling/internal/v1/backend"
	"github.com/voicelink/signaling/internal/v1/bus"
	"github.com/voicelink/signaling/internal/v1/config"
	"github.com/voicelink/signaling/internal/v1/gifts"
	"github.com/voicelink/signaling/internal/v1/health"
	"github.com/voicelink/signaling/internal/v1/indices"
	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/ratelimit"
	"github.com/voicelink/signaling/internal/v1/relay"
	"github.com/voicelink/signaling/internal/v1/room"
	"github.com/voicelink/signaling/internal/v1/seats"
	"github.com/voicelink/signaling/internal/v1/sfu"
	"github.com/voicelink/signaling/internal/v1/tracing"
	"github.com/voicelink/signaling/internal/v1/transport"
	"github.com/voicelink/signaling/internal/v1/types"
)

func main() {
	// Load .env for local development; in deployment everything comes from
	// the environment.
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			break
		}
	}

	// Fail fast on a partial configuration.
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("logger initialization failed", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Options{
		ServiceName:   "audio-rooms-signaling",
		CollectorAddr: cfg.OTLPEndpoint,
		Insecure:      cfg.DevelopmentMode,
	})
	if err != nil {
		logging.Fatal(ctx, "tracing initialization failed", zap.Error(err))
	}

	// The shared store backs seats, indices, rate limits, queues and the
	// relay channel; the service cannot run without it.
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "redis connection failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	rdb := busService.Client()

	limiter, err := ratelimit.NewService(rdb, ratelimit.Rates{
		Chat:        cfg.RateLimitChat,
		Gift:        cfg.RateLimitGift,
		GiftPrepare: cfg.RateLimitGiftPrepare,
		GetRoom:     cfg.RateLimitGetRoom,
		ConnectIP:   cfg.RateLimitWsIP,
		ConnectUser: cfg.RateLimitWsUser,
	})
	if err != nil {
		logging.Fatal(ctx, "rate limiter initialization failed", zap.Error(err))
	}

	gate, err := auth.NewGate(ctx, auth.Options{
		Secret:          cfg.JWTSecret,
		MaxTokenAge:     cfg.AuthMaxTokenAge,
		AllowedOrigins:  cfg.AllowedOrigins,
		JWKSDomain:      cfg.JWKSDomain,
		JWKSAudience:    cfg.JWKSAudience,
		DevelopmentMode: cfg.DevelopmentMode,
	}, rdb)
	if err != nil {
		logging.Fatal(ctx, "auth gate initialization failed", zap.Error(err))
	}

	backendClient := backend.NewClient(cfg.BackendBaseURL, cfg.BackendInternalKey)

	// Background loops share a context; cancelling it is the first step of
	// shutdown after the HTTP surface stops.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	engine := sfu.NewPionEngine(sfu.PionConfig{
		STUNServer: cfg.STUNServer,
		PublicIP:   cfg.PublicIP,
	})
	pool, err := sfu.NewPool(loopCtx, engine, cfg.SFUWorkerCount)
	if err != nil {
		logging.Fatal(ctx, "media worker pool startup failed", zap.Error(err))
	}

	// The hub exists after the batcher, so the refusal path indirects
	// through this pointer; an undelivered notification falls back to the
	// sender's user channel inside the batcher.
	var hub *transport.Hub
	batcher := gifts.NewBatcher(rdb, backendClient, func(conn types.ConnIdType, p types.GiftErrorPayload) bool {
		if hub == nil {
			return false
		}
		return hub.NotifyGiftError(conn, p)
	}, busService, cfg.GiftFlushInterval, cfg.GiftMaxRetries)

	registry := room.NewRegistry(room.Deps{
		Pool:          pool,
		Seats:         seats.NewRepository(rdb),
		Rdb:           rdb,
		Backend:       backendClient,
		Bus:           busService,
		Index:         indices.New(rdb),
		Limiter:       limiter,
		Gifts:         batcher,
		NodeID:        cfg.NodeID,
		InactivityTTL: cfg.InactivityTTL,
	})
	hub = transport.NewHub(registry, gate, limiter, indices.New(rdb))

	var loops sync.WaitGroup
	batcher.Run(loopCtx, &loops)
	autoclose.NewLoop(rdb, registry, cfg.AutoClosePoll).Run(loopCtx, &loops)

	ingress := relay.NewIngress(hub, nil)
	busService.Subscribe(loopCtx, cfg.RelayChannel, &loops, ingress.Handle)
	// Fleet coordination planes: room lifecycle announcements evict stale
	// local copies, user channels carry cross-node targeted pushes.
	busService.PSubscribe(loopCtx, bus.RoomChannel("*"), &loops, registry.HandleRoomPlane)
	busService.PSubscribe(loopCtx, bus.UserChannel("*"), &loops, hub.HandleUserPlane)

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("audio-rooms-signaling"))

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", health.Live)
	router.GET("/health/ready", health.Ready(busService, pool))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting",
			zap.String("port", cfg.Port), zap.String("node_id", cfg.NodeID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting upgrades, then unwind in dependency order: connections,
	// rooms, background loops (the batcher runs its final flush when the
	// loop context dies), workers, store.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "http shutdown failed", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	registry.Close(shutdownCtx)

	cancelLoops()
	loops.Wait()

	pool.Close()

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "trace provider shutdown failed", zap.Error(err))
		}
	}
	if err := busService.Close(); err != nil {
		logging.Error(ctx, "redis close failed", zap.Error(err))
	}

	logging.Info(ctx, "server exited")
}
