package auth

import (
	"errors"
	"net/http"

	"github.com/stefando/videoupload/internal/logger"
)

// Middleware rejects requests without a valid bearer token and adds the
// token subject to the request context and its logger.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, err := BearerToken(r.Header.Get("Authorization"))
			if err == nil {
				var subject string
				if subject, err = v.Verify(ctx, token); err == nil {
					l := logger.Ctx(ctx).With().Str("uploader", subject).Logger()
					ctx = logger.WithLogger(WithSubject(ctx, subject), &l)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			logger.Ctx(ctx).Warn().Err(err).Str("path", r.URL.Path).Msg("rejected unauthenticated request")
			if errors.Is(err, ErrMissingToken) {
				w.Header().Set("WWW-Authenticate", `Bearer`)
			} else {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			}
			http.Error(w, "The upload requires a valid bearer token.", http.StatusUnauthorized)
		})
	}
}
