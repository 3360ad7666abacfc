package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stefando/videoupload/internal/app"
	"github.com/stefando/videoupload/internal/logger"
)

// cancelWait bounds how long cancelled uploads may take to abort their
// multipart sessions before the process exits.
const cancelWait = time.Minute

func newServeCmd(o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload form and API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := o.serve(ctx); err != nil {
				logger.Error().Err(err).Msg("upload server failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", ":8080", "Address to listen on (host:port)")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func (o *cliOptions) serve(ctx context.Context) error {
	a, err := app.New(ctx, o.cfg, o.orphanHandler())
	if err != nil {
		return err
	}
	router, err := a.Router(ctx)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", o.cfg.Server.Listen)
	if err != nil {
		return err
	}
	logger.Info().
		Str("listen", ln.Addr().String()).
		Str("bucket", o.cfg.Upload.Bucket).
		Msg("upload server started")

	srv := newServer(router, o.cfg.Server.ReadHeaderTimeout, o.cfg.Server.ShutdownGrace)
	return srv.serve(ctx, ln)
}

// server is an http.Server whose request contexts can be cancelled once the
// shutdown grace period is over, so uploads still running abort their
// multipart sessions instead of being cut off by process exit.
type server struct {
	http     *http.Server
	grace    time.Duration
	inflight sync.WaitGroup

	baseCtx        context.Context
	cancelRequests context.CancelFunc
}

func newServer(h http.Handler, readHeaderTimeout, grace time.Duration) *server {
	s := &server{grace: grace}
	s.baseCtx, s.cancelRequests = context.WithCancel(context.Background())
	s.http = &http.Server{
		Handler:           s.track(h),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

func (s *server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

// serve accepts connections on ln until ctx is done, then shuts down.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	defer s.cancelRequests()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Dur("grace", s.grace).Msg("shutting down upload server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	logger.Warn().Msg("cancelling in-flight uploads")
	s.cancelRequests()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(cancelWait):
		return errors.New("in-flight uploads did not finish after cancellation")
	}
}
