package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/pii-masker/internal/auth"
	"github.com/example/pii-masker/internal/config"
	"github.com/example/pii-masker/internal/handlers"
	"github.com/example/pii-masker/internal/health"
	"github.com/example/pii-masker/internal/logging"
	"github.com/example/pii-masker/internal/maskclient"
	"github.com/example/pii-masker/internal/progress"
	"github.com/example/pii-masker/internal/repository"
	"github.com/example/pii-masker/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel, !cfg.IsProduction())
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(startupCtx, cfg.Database, logger)
	repo := repository.NewMaskJobRepository(db, logger)
	if err := repo.AutoMigrate(startupCtx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(startupCtx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	client := maskclient.New(cfg.Masking.BaseURL, cfg.Masking.Timeout, logger)
	hub := progress.NewHub(logger, nil)
	uc := usecase.NewMaskingUseCase(client, usecase.NewRedisCache(redisClient), repo, hub, logger, usecase.Options{
		ResultTTL: cfg.ResultTTL,
	})

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	monitor := health.NewMonitor(client, 15*time.Second, logger)
	go monitor.Run(runCtx)
	go expireSessions(runCtx, uc, cfg.SessionTTL)

	grpcServer := grpc.NewServer()
	monitor.Register(grpcServer)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	go func() {
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	defer grpcServer.GracefulStop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(uc, hub, cfg.Auth, cfg.SessionTTL, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("PII masker gateway listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("masking_backend", cfg.Masking.BaseURL),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(uc *usecase.MaskingUseCase, hub *progress.Hub, authCfg config.AuthConfig, sessionTTL time.Duration, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(authCfg.JWTSecret, authCfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, hub, handlers.TokenConfig{
		Secret:   authCfg.JWTSecret,
		Audience: authCfg.JWTAudience,
		TTL:      sessionTTL,
	}, authMiddleware, logger)
	return r
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		zapLogger.Fatal("unsupported database driver", zap.String("driver", cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.Driver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.Addr))
	}
	return client
}

func expireSessions(ctx context.Context, uc *usecase.MaskingUseCase, idle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uc.Expire(ctx, idle)
		}
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	}
}
