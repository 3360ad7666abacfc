// Command lambda serves the upload router as an AWS Lambda function behind
// API Gateway. Configuration comes from VIDEOUPLOAD_* environment variables.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/stefando/videoupload/internal/app"
	"github.com/stefando/videoupload/internal/config"
	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/upload"
	"github.com/stefando/videoupload/internal/web"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.NewViper(""))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.SetLevel(cfg.Log.Level)

	flush, err := app.InitSentry(cfg.Sentry, "lambda")
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize sentry")
	}

	var onOrphan upload.OrphanHandler
	if cfg.Sentry.DSN != "" {
		onOrphan = app.SentryOrphanHandler(nil)
	}

	a, err := app.New(ctx, cfg, onOrphan)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize upload service")
	}
	router, err := a.Router(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize router")
	}

	logger.Info().Str("bucket", cfg.Upload.Bucket).Msg("services initialized")
	lambda.StartWithOptions(web.LambdaHandler(router), lambda.WithEnableSIGTERM(flush))
}
