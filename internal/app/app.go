// Package app assembles the upload service from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/stefando/videoupload/internal/auth"
	"github.com/stefando/videoupload/internal/config"
	"github.com/stefando/videoupload/internal/metrics"
	"github.com/stefando/videoupload/internal/storage"
	"github.com/stefando/videoupload/internal/upload"
	"github.com/stefando/videoupload/internal/web"
)

// App holds the wired components of one process.
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Uploader *upload.Uploader
	Service  *upload.Service
}

// New builds the S3 client, uploader and service for cfg. onOrphan may be nil.
func New(ctx context.Context, cfg *config.Config, onOrphan upload.OrphanHandler) (*App, error) {
	client, err := storage.NewClient(ctx, storage.ClientConfig{
		Region:              cfg.AWS.Region,
		AccessKeyID:         cfg.AWS.AccessKeyID,
		SecretAccessKey:     cfg.AWS.SecretAccessKey,
		SessionToken:        cfg.AWS.SessionToken,
		Endpoint:            cfg.AWS.Endpoint,
		PathStyle:           cfg.AWS.PathStyle,
		RoleARN:             cfg.AWS.RoleARN,
		RoleSessionDuration: cfg.AWS.RoleSessionDuration,
	})
	if err != nil {
		return nil, clientError(err)
	}
	return NewWithClient(cfg, client, onOrphan), nil
}

// clientError classifies a client construction failure for callers of the
// upload service.
func clientError(err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidCredentials):
		return upload.NewError(upload.KindAuthentication, "newClient", err)
	case errors.Is(err, storage.ErrInvalidConfig):
		return upload.NewError(upload.KindValidation, "newClient", err)
	default:
		return err
	}
}

// NewWithClient wires the components around an existing S3 API.
func NewWithClient(cfg *config.Config, client upload.API, onOrphan upload.OrphanHandler) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	uploader := upload.NewUploader(client,
		upload.WithPartSize(cfg.Upload.PartSize),
		upload.WithMaxObjectSize(cfg.Upload.MaxObjectSize),
		upload.WithRetries(cfg.Upload.MaxPartRetries, cfg.Upload.RetryBackoff),
		upload.WithMetrics(m),
	)
	svc := upload.NewService(uploader, upload.ServiceConfig{
		Bucket:            cfg.Upload.Bucket,
		KeyPrefix:         cfg.Upload.KeyPrefix,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxObjectSize:     cfg.Upload.MaxObjectSize,
		StagingDir:        cfg.Upload.StagingDir,
	}, onOrphan)

	return &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Uploader: uploader,
		Service:  svc,
	}
}

// Verifier returns the bearer-token verifier the configuration asks for, or
// nil when uploads are not authenticated. OIDC discovery is a network call.
func (a *App) Verifier(ctx context.Context) (auth.Verifier, error) {
	switch {
	case a.Config.Auth.OIDCIssuer != "":
		v, err := auth.NewOIDCVerifier(ctx, a.Config.Auth.OIDCIssuer, a.Config.Auth.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to set up token verification: %w", err)
		}
		return v, nil
	case a.Config.Auth.TrustGateway:
		return auth.NewGatewayVerifier(), nil
	default:
		return nil, nil
	}
}

// Router returns the HTTP handler serving the form, uploads and metrics.
func (a *App) Router(ctx context.Context) (http.Handler, error) {
	verifier, err := a.Verifier(ctx)
	if err != nil {
		return nil, err
	}
	return web.NewRouter(web.Options{
		Service:  a.Service,
		Verifier: verifier,
		Gatherer: a.Registry,
	}), nil
}
