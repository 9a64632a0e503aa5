package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaychat-backend/internal/directory"
	chatHandler "relaychat-backend/internal/handler/http/chat"
	wsHandler "relaychat-backend/internal/handler/ws"
	"relaychat-backend/internal/hub"
	"relaychat-backend/internal/middleware"
	"relaychat-backend/internal/service/call"
	chatService "relaychat-backend/internal/service/chat"
	"relaychat-backend/internal/service/presence"
	"relaychat-backend/internal/service/typing"
	"relaychat-backend/pkg/config"
	"relaychat-backend/pkg/constants"
	"relaychat-backend/pkg/jwt"
	"relaychat-backend/pkg/logger"
	"relaychat-backend/pkg/metrics"
	"relaychat-backend/pkg/resilience"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	// 1. Backends
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. Realtime core
	rt := cfg.Realtime
	registry := hub.NewRegistry(rt.HeartbeatTimeout)
	members := directory.NewCache(b.directory, rt.MembershipCacheTTL)
	rooms := hub.NewRooms(registry, members)
	presenceTracker := presence.NewTracker(rt.PresenceGrace, b.presence, presence.WithRefresh(rt.PresenceRefresh))
	typingTracker := typing.NewTracker(rt.TypingTTL, rooms)

	exec := resilience.NewStoreResilience(resilience.Config{
		MaxAttempts:      cfg.Retry.Attempts,
		InitialBackoff:   cfg.Retry.InitialBackoff,
		MaxBackoff:       cfg.Retry.MaxBackoff,
		FailureThreshold: cfg.Retry.FailureThreshold,
		Cooldown:         cfg.Retry.Cooldown,
	})
	chatSvc := chatService.NewService(b.store, members, rooms, exec)
	relay := call.NewRelay(rt.RingingTimeout, registry,
		call.WithCallLog(b.calls),
		call.WithMembership(members),
	)

	origins := middleware.NewOriginSet(cfg.Server.AllowedOrigins)
	gateway := wsHandler.NewGateway(wsHandler.Config{
		SendBuffer:   rt.SendBuffer,
		PongWait:     rt.HeartbeatTimeout,
		InboundRate:  rt.InboundRate,
		InboundBurst: rt.InboundBurst,
	}, origins, registry, rooms, presenceTracker, typingTracker, chatSvc, relay, members)

	// 3. HTTP
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName, prometheus.DefaultRegisterer)

	var revoked middleware.RevocationChecker
	if b.redis != nil {
		revoked = middleware.NewRedisRevocationChecker(b.redis)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(origins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		redisStatus := "disabled"
		if b.redis != nil {
			redisStatus = "ok"
			if b.redis.IsDegraded() {
				redisStatus = "degraded"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     cfg.Server.ServiceName,
			"connections": registry.Count(),
			"redis":       redisStatus,
			"time":        time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Upgraded connections are long lived, so the request timeout is not applied
	router.GET("/ws", middleware.AuthMiddleware(jwtManager, revoked), gateway.ServeWS)

	v1 := router.Group("/v1", middleware.Timeout(constants.DefaultTimeout), middleware.AuthMiddleware(jwtManager, revoked))
	if cfg.RateLimit.Enabled {
		v1.Use(newRateLimiter(cfg, b).Middleware())
	}
	if b.directoryDB != nil {
		v1.Use(middleware.NewDBPoolLimiter(b.directoryDB.PoolUsage, cfg.Database.ShedThreshold).Middleware())
	}
	internal := router.Group("/v1/internal", middleware.InternalToken(cfg.Server.InternalToken))

	handler := chatHandler.NewHandler(chatSvc, b.calls, members)
	handler.RegisterRoutes(v1, internal)
	if b.editor != nil {
		chatHandler.RegisterDirectoryRoutes(internal, b.editor)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Run
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		registry.Run(gctx, rt.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		typingTracker.Run(gctx, rt.TypingSweep)
		return nil
	})
	g.Go(func() error {
		presenceTracker.Run(gctx)
		return nil
	})
	for _, src := range b.invalidation {
		src := src
		g.Go(func() error {
			members.Watch(gctx, src)
			return nil
		})
	}
	if b.redis != nil {
		b.redis.StartHealthCheck(gctx, 10*time.Second)
	}

	g.Go(func() error {
		logger.Info("Realtime service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("directory", cfg.Directory.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down realtime service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}

		// Hijacked WebSocket connections are not tracked by the server
		registry.Shutdown()
		relay.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Realtime service exited")
	return nil
}

// newRateLimiter counts in Redis when it is enabled, so replicas share limits
func newRateLimiter(cfg *config.Config, b *backends) *middleware.RateLimiter {
	var counter middleware.WindowCounter
	if b.redis != nil {
		counter = middleware.NewRedisWindowCounter(b.redis)
	}
	rl := cfg.RateLimit
	write := middleware.Limit{Requests: rl.WriteRequests, Window: rl.Window}
	return middleware.NewRateLimiter(counter, middleware.RateLimitPolicy{
		Default: middleware.Limit{Requests: rl.Requests, Window: rl.Window},
		Routes: map[string]middleware.Limit{
			"/v1/messages/mark-multiple-read": write,
			"/v1/messages/:id":                write,
		},
	})
}
