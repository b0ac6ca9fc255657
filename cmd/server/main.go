package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/api"
	"github.com/lalith-99/wirechat/internal/cache"
	"github.com/lalith-99/wirechat/internal/chat"
	"github.com/lalith-99/wirechat/internal/config"
	"github.com/lalith-99/wirechat/internal/db"
	"github.com/lalith-99/wirechat/internal/middleware"
	"github.com/lalith-99/wirechat/internal/observ"
	"github.com/lalith-99/wirechat/internal/presence"
	"github.com/lalith-99/wirechat/internal/registry"
	"github.com/lalith-99/wirechat/internal/repository/postgres"
	"github.com/lalith-99/wirechat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and Redis
	//
	// Why context.Background() here? At startup there's no parent
	// request or deadline — startup is "take as long as you need to
	// connect". Once running, each request carries its own context.
	// ---------------------------------------------------------------
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	rdb, err := db.NewRedis(context.Background(), cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	// ---------------------------------------------------------------
	// 4. Repositories — each gets the same pool; the pool is
	// goroutine-safe, sharing is fine. Assigning through the interface
	// types happens in the constructors below, which proves at compile
	// time that the postgres stores satisfy the repository contracts.
	// ---------------------------------------------------------------
	pool := database.Pool()
	userRepo := postgres.NewUserStore(pool)
	adminRepo := postgres.NewAdminStore(pool)
	membershipRepo := postgres.NewMembershipStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	presenceRepo := postgres.NewPresenceStore(pool)

	// ---------------------------------------------------------------
	// 5. Realtime plane: registry → cache → engines → ws handler.
	// ---------------------------------------------------------------
	reg := registry.New(logger)
	members := cache.NewMembership(rdb, membershipRepo, cfg.CacheTTL, logger)

	lastSeen := presence.NewLastSeenWriter(presenceRepo, cfg.LastSeenWorkers, logger)
	defer lastSeen.Close()

	presenceEngine := presence.NewEngine(reg, members, presenceRepo, lastSeen, logger)
	chatEngine := chat.NewEngine(reg, members, messageRepo, membershipRepo, logger)
	wsHandler := ws.NewHandler(reg, presenceEngine, chatEngine, logger)

	authHandler := api.NewAuthHandler(userRepo, adminRepo, cfg.JWTSecret, cfg.JWTTTL, logger)
	messageHandler := api.NewMessageHandler(chatEngine, logger)
	adminHandler := api.NewAdminHandler(membershipRepo, userRepo, members, reg, presenceEngine, logger)

	// ---------------------------------------------------------------
	// 6. Routes
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Recovery())

	// Public: health for load balancers, metrics for Prometheus,
	// login because it's what produces the token.
	srv.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	srv.GET("/metrics", gin.WrapH(promhttp.Handler()))
	srv.POST("/v1/auth/login", authHandler.Login)

	// Everything else requires a valid token.
	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	v1.GET("/ws", wsHandler.Serve)
	v1.GET("/messages/:type/:id", messageHandler.History)

	admin := v1.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.POST("/groups/:id/members/:uid", adminHandler.AddMember)
	admin.DELETE("/groups/:id/members/:uid", adminHandler.RemoveMember)
	admin.DELETE("/groups/:id", adminHandler.DeactivateGroup)
	admin.PATCH("/users/:id/deactivate", adminHandler.DeactivateUser)

	// ---------------------------------------------------------------
	// 7. Serve until SIGINT/SIGTERM, then drain.
	//
	// No WriteTimeout: the WebSocket route holds its response open for
	// the connection's whole lifetime; a server-wide write timeout
	// would sever every session on the hour.
	// ---------------------------------------------------------------
	httpSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv,
		ReadTimeout: 0,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting wirechat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
