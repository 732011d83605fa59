package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/errs"
)

const maxBodyBytes = 1 << 20 // 1MB

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req convert.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	stationID, err := uuid.FromString(req.StationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation)
		return
	}
	eventID, err := uuid.FromString(req.EventID)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation)
		return
	}

	res, err := s.auth.LoginWithIP(r.Context(), req.Username, req.Password, stationID, eventID, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrRateLimited):
			writeJSON(w, http.StatusTooManyRequests, convert.ErrorResponse{Error: "rate-limited"})
		case errors.Is(err, errs.ErrUnauthorized):
			writeJSON(w, http.StatusUnauthorized, convert.ErrorResponse{Error: "unauthorized"})
		case errors.Is(err, errs.ErrForbidden):
			writeError(w, http.StatusForbidden, errs.CodeForbidden)
		default:
			s.writeCoded(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, convert.LoginResponse{
		SessionID:             res.Session.ID.String(),
		JudgeID:               res.Session.JudgeID.String(),
		AccessToken:           res.Tokens.AccessToken,
		AccessTokenExpiresIn:  expiresIn(res.Tokens.AccessExpiry),
		RefreshToken:          res.Tokens.RefreshToken,
		RefreshTokenExpiresIn: expiresIn(res.Tokens.RefreshExpiry),
		DeviceSalt:            res.Session.DeviceSalt,
		Manifest:              res.Manifest,
		Patrols:               res.Patrols,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req convert.RefreshRequest
	if !decode(w, r, &req) {
		return
	}
	sessionID, err := uuid.FromString(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation)
		return
	}

	tokens, salt, err := s.auth.Refresh(r.Context(), sessionID, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrSessionRevoked):
			writeError(w, http.StatusUnauthorized, errs.CodeSessionRevoked)
		case errors.Is(err, errs.ErrUnauthorized):
			writeJSON(w, http.StatusUnauthorized, convert.ErrorResponse{Error: "unauthorized"})
		default:
			s.writeCoded(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, convert.RefreshResponse{
		AccessToken:           tokens.AccessToken,
		AccessTokenExpiresIn:  expiresIn(tokens.AccessExpiry),
		RefreshToken:          tokens.RefreshToken,
		RefreshTokenExpiresIn: expiresIn(tokens.RefreshExpiry),
		DeviceSalt:            salt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	sid, err := cl.Session()
	if err != nil {
		writeError(w, http.StatusUnauthorized, errs.CodeInvalidJWT)
		return
	}
	if err := s.auth.Logout(r.Context(), sid); err != nil {
		s.writeCoded(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceKey(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	sid, err := cl.Session()
	if err != nil {
		writeError(w, http.StatusUnauthorized, errs.CodeInvalidJWT)
		return
	}
	var req convert.DeviceKeyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.auth.RegisterDeviceKey(r.Context(), sid, req.DeviceKey); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, convert.ErrorResponse{Error: "device-key-already-set"})
			return
		}
		s.writeCoded(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	sid, err := cl.Session()
	if err != nil {
		writeError(w, http.StatusUnauthorized, errs.CodeInvalidJWT)
		return
	}
	rotate := r.URL.Query().Get("rotate_salt") == "1"

	manifest, patrols, err := s.auth.Manifest(r.Context(), sid, rotate)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrSessionRevoked):
			writeError(w, http.StatusUnauthorized, errs.CodeSessionRevoked)
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		case errors.Is(err, errs.ErrForbidden):
			writeError(w, http.StatusForbidden, errs.CodeForbidden)
		default:
			s.writeCoded(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, convert.ManifestResponse{Manifest: manifest, Patrols: patrols})
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	var req convert.SubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	score, err := s.ingest.Submit(r.Context(), cl, &req)
	if err != nil {
		s.writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ScoreResponse{Score: *score})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	var req convert.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := s.ingest.SubmitBatch(r.Context(), cl, &req)
	if err != nil {
		s.writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.BatchResponse{Results: results})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	cl, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errs.CodeMissingSession)
		return
	}
	patrolID, err := uuid.FromString(r.URL.Query().Get("patrol_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation)
		return
	}
	score, err := s.ingest.Score(r.Context(), cl, patrolID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, convert.ErrorResponse{Error: "not-found"})
			return
		}
		s.writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ScoreResponse{Score: *score})
}

func expiresIn(t time.Time) int64 {
	return int64(time.Until(t).Seconds())
}
