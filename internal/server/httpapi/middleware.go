package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/service"
)

type contextKey string

const claimsKey contextKey = "claims"

// bearerAuth validates the access token and stores its claims in the
// request context.
func bearerAuth(signKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
				return
			}
			cl, err := service.ParseClaims(token, signKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, errs.CodeInvalidJWT)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, cl)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFromContext extracts the authenticated claims.
func claimsFromContext(ctx context.Context) (*service.Claims, bool) {
	cl, ok := ctx.Value(claimsKey).(*service.Claims)
	return cl, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("dur", time.Since(start)),
				zap.String("peer", r.RemoteAddr),
			)
		})
	}
}

// recoverer turns handler panics into 500s instead of dropped connections.
func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in handler",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, errs.CodeInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
