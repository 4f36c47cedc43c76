package controller

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/sharetube/syncwatch/pkg/ctxlogger"
	"github.com/sharetube/syncwatch/pkg/rest"
)

func (c controller) requestIdMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = ctxlogger.AppendCtx(ctx, slog.String("request_id", c.generateTimeBasedId()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMw leaves the query out, it may carry the password.
func (c controller) requestLoggingMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}

func (c controller) passwordMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Password != "" {
			given := r.URL.Query().Get("password")
			if subtle.ConstantTimeCompare([]byte(given), []byte(c.cfg.Password)) != 1 {
				c.logger.InfoContext(r.Context(), "invalid password")
				rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "invalid password"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
