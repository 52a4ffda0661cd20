package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/app"
	"github.com/example/ripeness-api/internal/config"
	"github.com/example/ripeness-api/internal/logging"
	"github.com/example/ripeness-api/internal/serverless"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	// The model is loaded during cold start and reused by every invocation
	// the execution environment serves.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	application, err := app.Build(ctx, cfg, logger, app.Options{})
	cancel()
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	shim := serverless.NewShim(ginadapter.NewV2(application.Router), application.Origins, logger)
	logger.Info("lambda handler ready", zap.String("detector_backend", cfg.DetectorBackend))
	lambda.Start(shim.Handle)
}
