package app

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/stefando/videoupload/internal/config"
	"github.com/stefando/videoupload/internal/upload"
)

// flushTimeout bounds how long buffered events may delay process exit.
const flushTimeout = 2 * time.Second

// InitSentry sets up error reporting when a DSN is configured. The returned
// function flushes buffered events and must be called before exit.
func InitSentry(cfg config.Sentry, release string) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
		SampleRate:  1.0,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(flushTimeout) }, nil
}

// SentryOrphanHandler reports orphaned uploads to hub so an operator can
// clean up the parts left on the remote side. A nil hub uses the current one.
func SentryOrphanHandler(hub *sentry.Hub) upload.OrphanHandler {
	return func(_ context.Context, err *upload.Error) {
		h := hub
		if h == nil {
			h = sentry.CurrentHub()
		}
		h.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelError)
			scope.SetTag("bucket", err.Bucket)
			scope.SetTag("upload_id", err.UploadID)
			details := sentry.Context{
				"bucket":    err.Bucket,
				"key":       err.Key,
				"upload_id": err.UploadID,
				"operation": err.Op,
			}
			if err.AbortErr != nil {
				details["abort_error"] = err.AbortErr.Error()
			}
			scope.SetContext("multipart_upload", details)
			h.CaptureException(err)
		})
	}
}
