// Package service contains the application services: session bootstrap and
// the score ingestion pipeline.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/trailband/stationsync/internal/cache"
	pkgcrypto "github.com/trailband/stationsync/internal/crypto"
	"github.com/trailband/stationsync/internal/crypto/devicecrypto"
	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/limiter"
	"github.com/trailband/stationsync/internal/model"
	"github.com/trailband/stationsync/internal/repository"
)

// LoginResult is the session bootstrap package handed back on login.
type LoginResult struct {
	Session  *model.Session
	Tokens   model.Tokens
	Manifest model.Manifest
	Patrols  []model.Patrol
}

// AuthService defines session bootstrap and lifecycle operations.
type AuthService interface {
	// LoginWithIP applies rate-limiting, authenticates the judge and mints
	// a session bound to (station, event) under the current manifest.
	LoginWithIP(ctx context.Context, username, password string, stationID, eventID uuid.UUID, ip string) (*LoginResult, error)
	// Refresh rotates the token pair. Reuse of an already-rotated refresh
	// token revokes the session.
	Refresh(ctx context.Context, sessionID uuid.UUID, refreshToken string) (model.Tokens, string, error)
	// Logout revokes the session server-side.
	Logout(ctx context.Context, sessionID uuid.UUID) error
	// RegisterDeviceKey stores the session's device signing key, once.
	RegisterDeviceKey(ctx context.Context, sessionID uuid.UUID, key []byte) error
	// Manifest returns the current assignment snapshot and device salt,
	// optionally rotating the salt first.
	Manifest(ctx context.Context, sessionID uuid.UUID, rotateSalt bool) (model.Manifest, []model.Patrol, error)
}

type AuthServiceImpl struct {
	judges   repository.JudgeRepository
	sessions repository.SessionRepository
	roster   repository.RosterRepository

	signKey    []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	lim        limiter.Limiter

	patrols *cache.TTL[uuid.UUID, []model.Patrol]
	now     func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(judges repository.JudgeRepository, sessions repository.SessionRepository,
	roster repository.RosterRepository, signKey []byte, accessTTL, refreshTTL time.Duration,
	lim limiter.Limiter, patrolTTL time.Duration) *AuthServiceImpl {
	return &AuthServiceImpl{
		judges:     judges,
		sessions:   sessions,
		roster:     roster,
		signKey:    signKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		lim:        lim,
		patrols:    cache.New[uuid.UUID, []model.Patrol](patrolTTL, 64),
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *AuthServiceImpl) WithClock(now func() time.Time) *AuthServiceImpl {
	s.now = now
	return s
}

// LoginWithIP authenticates with rate limiting by (username, ip) and
// creates a session. The session's device key starts empty; the client
// registers it right after login.
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password string, stationID, eventID uuid.UUID, ip string) (*LoginResult, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errs.ErrRateLimited
	}

	j, err := s.judges.GetByUsername(ctx, username)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), j.SaltAuth, j.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return nil, errs.ErrRateLimited
		}
		// hide whether the account exists
		return nil, errs.ErrUnauthorized
	}
	_ = s.lim.Success(ctx, username, ipHash)

	// A judge without an assignment for this station never gets a session.
	assignment, err := s.roster.GetAssignment(ctx, j.ID, stationID, eventID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrForbidden
		}
		return nil, err
	}
	version, err := s.roster.ManifestVersion(ctx, eventID)
	if err != nil {
		return nil, err
	}

	sid, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	saltHex, err := newSaltHex()
	if err != nil {
		return nil, err
	}
	refresh, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now()

	sess := &model.Session{
		ID:              sid,
		JudgeID:         j.ID,
		StationID:       stationID,
		EventID:         eventID,
		ManifestVersion: version,
		DeviceSalt:      saltHex,
		DeviceKey:       []byte{},
		RefreshHash:     refreshHash,
		RefreshExpiry:   now.Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	access, accessExp, err := s.issueAccessToken(sess)
	if err != nil {
		return nil, err
	}
	manifest, patrols, err := s.buildManifest(ctx, sess, assignment, version)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Session: sess,
		Tokens: model.Tokens{
			AccessToken:   access,
			AccessExpiry:  accessExp,
			RefreshToken:  refresh,
			RefreshExpiry: sess.RefreshExpiry,
		},
		Manifest: manifest,
		Patrols:  patrols,
	}, nil
}

// Refresh rotates both tokens. The stored hash must match the presented
// refresh token; a mismatch means the token was already rotated and the
// session is burned.
func (s *AuthServiceImpl) Refresh(ctx context.Context, sessionID uuid.UUID, refreshToken string) (model.Tokens, string, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, "", errs.ErrUnauthorized
		}
		return model.Tokens{}, "", err
	}
	if sess.Revoked() {
		return model.Tokens{}, "", errs.ErrSessionRevoked
	}
	now := s.now()
	if now.After(sess.RefreshExpiry) {
		return model.Tokens{}, "", errs.ErrUnauthorized
	}

	currentHash := hashRefresh(refreshToken)
	if subtle.ConstantTimeCompare(currentHash, sess.RefreshHash) != 1 {
		// Reuse of a rotated token: revoke rather than reject quietly.
		_ = s.sessions.Revoke(ctx, sessionID)
		return model.Tokens{}, "", errs.ErrSessionRevoked
	}

	next, nextHash, err := newRefreshToken()
	if err != nil {
		return model.Tokens{}, "", err
	}
	newExpiry := now.Add(s.refreshTTL)
	if err := s.sessions.RotateRefresh(ctx, sessionID, currentHash, nextHash, newExpiry); err != nil {
		return model.Tokens{}, "", err
	}

	access, accessExp, err := s.issueAccessToken(sess)
	if err != nil {
		return model.Tokens{}, "", err
	}
	return model.Tokens{
		AccessToken:   access,
		AccessExpiry:  accessExp,
		RefreshToken:  next,
		RefreshExpiry: newExpiry,
	}, sess.DeviceSalt, nil
}

// Logout revokes the session.
func (s *AuthServiceImpl) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// RegisterDeviceKey stores the device signing key for a fresh session.
// A second registration is rejected: the key is minted once per login.
func (s *AuthServiceImpl) RegisterDeviceKey(ctx context.Context, sessionID uuid.UUID, key []byte) error {
	if len(key) != devicecrypto.DeviceKeyLen {
		return errs.Ef(errs.CodeValidation, "device key must be %d bytes", devicecrypto.DeviceKeyLen)
	}
	return s.sessions.SetDeviceKey(ctx, sessionID, key)
}

// Manifest returns the current snapshot for the session's (station, event).
// With rotateSalt the per-device salt is replaced first and the returned
// manifest carries the new value; the client re-wraps its device key.
func (s *AuthServiceImpl) Manifest(ctx context.Context, sessionID uuid.UUID, rotateSalt bool) (model.Manifest, []model.Patrol, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return model.Manifest{}, nil, err
	}
	if sess.Revoked() {
		return model.Manifest{}, nil, errs.ErrSessionRevoked
	}

	if rotateSalt {
		saltHex, err := newSaltHex()
		if err != nil {
			return model.Manifest{}, nil, err
		}
		if err := s.sessions.RotateDeviceSalt(ctx, sessionID, saltHex); err != nil {
			return model.Manifest{}, nil, err
		}
		sess.DeviceSalt = saltHex
	}

	assignment, err := s.roster.GetAssignment(ctx, sess.JudgeID, sess.StationID, sess.EventID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Manifest{}, nil, errs.ErrForbidden
		}
		return model.Manifest{}, nil, err
	}
	version, err := s.roster.ManifestVersion(ctx, sess.EventID)
	if err != nil {
		return model.Manifest{}, nil, err
	}
	return s.buildManifest(ctx, sess, assignment, version)
}

func (s *AuthServiceImpl) buildManifest(ctx context.Context, sess *model.Session, assignment *model.Assignment, version int64) (model.Manifest, []model.Patrol, error) {
	allowed := assignment.AllowedCategories
	if len(allowed) == 0 {
		st, err := s.roster.GetStation(ctx, sess.StationID)
		if err != nil {
			return model.Manifest{}, nil, err
		}
		allowed = st.DefaultCategories
	}

	patrols, ok := s.patrols.Get(sess.EventID)
	if !ok {
		var err error
		patrols, err = s.roster.ListPatrols(ctx, sess.EventID)
		if err != nil {
			return model.Manifest{}, nil, err
		}
		s.patrols.Set(sess.EventID, patrols)
	}

	return model.Manifest{
		Version:           version,
		StationID:         sess.StationID,
		EventID:           sess.EventID,
		AllowedCategories: allowed,
		DeviceSalt:        sess.DeviceSalt,
	}, patrols, nil
}

// issueAccessToken creates a signed HS256 JWT bound to the session.
func (s *AuthServiceImpl) issueAccessToken(sess *model.Session) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.JudgeID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID:       sess.ID.String(),
		JudgeID:         sess.JudgeID.String(),
		StationID:       sess.StationID.String(),
		EventID:         sess.EventID.String(),
		ManifestVersion: sess.ManifestVersion,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

func newSaltHex() (string, error) {
	b, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newRefreshToken() (token string, hash []byte, err error) {
	b, err := pkgcrypto.RandBytes(32)
	if err != nil {
		return "", nil, err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, hashRefresh(token), nil
}

func hashRefresh(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}
