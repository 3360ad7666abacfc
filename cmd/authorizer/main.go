// Command authorizer is an API Gateway REQUEST authorizer that admits
// callers presenting a token from the configured OIDC issuer.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/stefando/videoupload/internal/auth"
	"github.com/stefando/videoupload/internal/config"
	"github.com/stefando/videoupload/internal/logger"
)

func main() {
	cfg, err := config.Load(config.NewViper(""))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.SetLevel(cfg.Log.Level)

	if cfg.Auth.OIDCIssuer == "" {
		logger.Fatal().Msg("VIDEOUPLOAD_AUTH_OIDC_ISSUER must be set for the authorizer")
	}
	verifier, err := auth.NewOIDCVerifier(context.Background(), cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up token verification")
	}

	lambda.Start(auth.NewAuthorizer(verifier).Handle)
}
