// Package httpapi exposes the judge-facing HTTP surface: session
// bootstrap, manifest refresh, and the signed submission endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/service"
)

// Server wires services into an HTTP router.
type Server struct {
	auth    service.AuthService
	ingest  service.IngestService
	signKey []byte
	log     *zap.Logger
}

// NewServer constructs the HTTP surface.
func NewServer(auth service.AuthService, ingest service.IngestService, signKey []byte, log *zap.Logger) *Server {
	return &Server{auth: auth, ingest: ingest, signKey: signKey, log: log}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer(s.log))
	r.Use(requestLogger(s.log))

	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)

	r.Post("/api/v1/auth/login", s.handleLogin)
	r.Post("/api/v1/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.signKey))
		r.Post("/api/v1/auth/logout", s.handleLogout)
		r.Post("/api/v1/auth/device-key", s.handleDeviceKey)
		r.Get("/api/v1/manifest", s.handleManifest)
		r.Post("/api/v1/submissions", s.handleSubmission)
		r.Post("/api/v1/sync/batch", s.handleBatch)
		r.Get("/api/v1/scores", s.handleScore)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("ok"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errs.Code) {
	writeJSON(w, status, convert.ErrorResponse{Error: string(code)})
}

// statusOf maps a wire code to its HTTP status. The client outbox keys its
// state machine off these statuses plus the body code.
func statusOf(code errs.Code) int {
	switch errs.CategoryOf(code) {
	case errs.CategoryAuth:
		return http.StatusUnauthorized
	case errs.CategoryAuthorization:
		return http.StatusForbidden
	case errs.CategoryIntegrity:
		return http.StatusConflict
	case errs.CategoryValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeCoded maps a service error to (status, body) by its wire code.
func (s *Server) writeCoded(w http.ResponseWriter, err error) {
	code := errs.CodeFrom(err)
	if code == errs.CodeInternal {
		s.log.Error("internal error", zap.Error(err))
	}
	writeError(w, statusOf(code), code)
}
