// Package app assembles the service from configuration. Both the HTTP server
// and the Lambda entry point build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ripeness-api/internal/auth"
	"github.com/example/ripeness-api/internal/config"
	"github.com/example/ripeness-api/internal/cors"
	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/grpcclient"
	"github.com/example/ripeness-api/internal/handlers"
	"github.com/example/ripeness-api/internal/logging"
	"github.com/example/ripeness-api/internal/repository"
	"github.com/example/ripeness-api/internal/usecase"
	"github.com/example/ripeness-api/internal/yolo"
)

// Options select deployment specific behaviour.
type Options struct {
	// CORSMiddleware installs the allow-list middleware on the router. The
	// Lambda shim adds CORS headers itself and leaves this off.
	CORSMiddleware bool
}

// App is the assembled service.
type App struct {
	Router    *gin.Engine
	Inference *usecase.InferenceUseCase
	Metrics   *usecase.MetricsUseCase
	Origins   cors.AllowList

	closers []func() error
}

// Build loads the model, connects optional stores and registers routes. The
// model is loaded once here and kept for the life of the process.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{Origins: cors.NewAllowList(cfg.AllowedOrigins...)}

	det, err := a.initDetector(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder usecase.AuditRecorder
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)

		repo := repository.NewInferenceRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			a.Close()
			return nil, logging.NewOperationError("app.auto_migrate", "", err)
		}
		recorder = repo

		var cache usecase.Cache
		if cfg.RedisAddr != "" {
			redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
			client, err := initRedis(redisCtx, cfg.RedisAddr)
			redisCancel()
			if err != nil {
				a.Close()
				return nil, err
			}
			a.closers = append(a.closers, client.Close)
			cache = usecase.NewRedisCache(client)
		}
		a.Metrics = usecase.NewMetricsUseCase(repo, cache, logger)
	} else if cfg.RedisAddr != "" {
		logger.Warn("REDIS_ADDR ignored: metrics cache needs DATABASE_DSN")
	}

	a.Inference = usecase.NewInferenceUseCase(det, recorder, logger, usecase.Options{
		JPEGQuality:    cfg.JPEGQuality,
		ArtifactRoot:   cfg.ArtifactDir,
		MaxImagePixels: cfg.MaxImagePixels,
	})

	router := gin.New()
	router.Use(logging.GinMiddleware(logger), gin.Recovery())
	if opts.CORSMiddleware {
		router.Use(cors.Middleware(a.Origins))
	}
	var authMiddleware gin.HandlerFunc
	if cfg.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	}
	handlers.RegisterRoutes(router, a.Inference, a.Metrics, handlers.Options{
		MaxRequestBytes: cfg.MaxRequestBytes,
		Auth:            authMiddleware,
	})
	a.Router = router
	return a, nil
}

// Close releases the detector and store connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initDetector(ctx context.Context, cfg *config.Config, logger *zap.Logger) (detector.Detector, error) {
	switch cfg.DetectorBackend {
	case config.BackendGRPC:
		remote, conn, err := grpcclient.DialDetector(ctx, cfg.DetectorAddr, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		if err := remote.CheckHealth(ctx); err != nil {
			logger.Warn("detector sidecar is not serving yet", zap.Error(err))
		}
		return remote, nil

	case config.BackendONNX:
		meta, err := yolo.LoadMetadata(cfg.ModelMetadataPath)
		if err != nil {
			return nil, logging.NewOperationError("app.load_model_metadata", "", err)
		}
		if err := yolo.InitRuntime(cfg.ONNXRuntimeLib); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, yolo.DestroyRuntime)

		instances := make([]detector.Detector, 0, cfg.DetectorInstances)
		for i := 0; i < cfg.DetectorInstances; i++ {
			d, err := yolo.NewDetector(cfg.ModelPath, meta, yolo.Options{
				ConfidenceThreshold: cfg.ConfidenceThreshold,
				IoUThreshold:        cfg.IoUThreshold,
			}, logger)
			if err != nil {
				for _, loaded := range instances {
					_ = loaded.(*yolo.Detector).Close()
				}
				return nil, logging.NewOperationError("app.load_model", "", err)
			}
			instances = append(instances, d)
		}
		pool, err := detector.NewPool(instances...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info("model loaded",
			zap.String("model", cfg.ModelPath),
			zap.Strings("classes", meta.Classes),
			zap.Int("instances", pool.Size()))
		return pool, nil

	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.DetectorBackend)
	}
}

func initDatabase(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return nil, logging.NewOperationError("app.open_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("app.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, logging.NewOperationError("app.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("app.ping_redis", "", err)
	}
	return client, nil
}
