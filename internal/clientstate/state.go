// Package clientstate persists the judge client's local state: token pair,
// encrypted device-key payload, manifest, patrol roster snapshot, and an
// optional PIN hash. Everything is namespaced by (event, station) so
// multiple stations on one device never cross-contaminate.
package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/crypto"
	"github.com/trailband/stationsync/internal/model"
)

// ErrNoSession is returned when no valid token pair is stored.
var ErrNoSession = errors.New("no valid session (login required)")

// ErrBadPIN is returned when PIN verification fails.
var ErrBadPIN = errors.New("wrong pin")

// Store reads and writes state files under one (event, station) namespace.
type Store struct {
	dir string
	now func() time.Time
}

// New roots a store at dir/<event>/<station>.
func New(root string, eventID, stationID uuid.UUID) *Store {
	return &Store{
		dir: filepath.Join(root, eventID.String(), stationID.String()),
		now: time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// SessionState is the locally persisted view of one session.
type SessionState struct {
	SessionID     uuid.UUID `json:"session_id"`
	JudgeID       uuid.UUID `json:"judge_id"`
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshToken  string    `json:"refresh_token"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// save writes via a temp file in the same directory plus rename, so a
// crash mid-write never leaves a torn session or device-key file behind.
func (s *Store) save(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

func (s *Store) load(name string, v any) error {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SaveSession persists the token pair and ids.
func (s *Store) SaveSession(st SessionState) error { return s.save("session.json", st) }

// LoadSession returns the stored session, or ErrNoSession when absent or
// the refresh token has expired.
func (s *Store) LoadSession() (SessionState, error) {
	var st SessionState
	if err := s.load("session.json", &st); err != nil {
		return SessionState{}, ErrNoSession
	}
	if st.RefreshToken == "" || s.now().After(st.RefreshExpiry) {
		return SessionState{}, ErrNoSession
	}
	return st, nil
}

// AccessToken implements the sync transport's token source. It returns the
// stored access token while it is still valid; an expired token is the
// caller's cue to run the refresh flow.
func (s *Store) AccessToken(context.Context) (string, error) {
	var st SessionState
	if err := s.load("session.json", &st); err != nil {
		return "", ErrNoSession
	}
	if st.AccessToken == "" || s.now().After(st.AccessExpiry) {
		return "", ErrNoSession
	}
	return st.AccessToken, nil
}

// SaveDeviceKey persists the encrypted device-key payload.
func (s *Store) SaveDeviceKey(p model.DeviceKeyPayload) error { return s.save("device_key.json", p) }

// LoadDeviceKey returns the stored payload.
func (s *Store) LoadDeviceKey() (model.DeviceKeyPayload, error) {
	var p model.DeviceKeyPayload
	if err := s.load("device_key.json", &p); err != nil {
		return model.DeviceKeyPayload{}, fmt.Errorf("no device key stored: %w", err)
	}
	return p, nil
}

// SaveManifest persists the assignment snapshot the session was issued under.
func (s *Store) SaveManifest(m model.Manifest) error { return s.save("manifest.json", m) }

// LoadManifest returns the stored manifest.
func (s *Store) LoadManifest() (model.Manifest, error) {
	var m model.Manifest
	if err := s.load("manifest.json", &m); err != nil {
		return model.Manifest{}, err
	}
	return m, nil
}

// SavePatrols persists the roster snapshot for offline display.
func (s *Store) SavePatrols(ps []model.Patrol) error { return s.save("patrols.json", ps) }

// LoadPatrols returns the stored roster snapshot.
func (s *Store) LoadPatrols() ([]model.Patrol, error) {
	var ps []model.Patrol
	if err := s.load("patrols.json", &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

type pinFile struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

// SetPIN stores an Argon2id hash of the PIN gating local device-key access.
func (s *Store) SetPIN(pin string) error {
	salt, err := crypto.RandBytes(16)
	if err != nil {
		return err
	}
	return s.save("pin.json", pinFile{Salt: salt, Hash: crypto.HashPassword([]byte(pin), salt)})
}

// VerifyPIN checks the PIN when one is set; with no PIN stored it accepts.
func (s *Store) VerifyPIN(pin string) error {
	var pf pinFile
	if err := s.load("pin.json", &pf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !crypto.VerifyPassword([]byte(pin), pf.Salt, pf.Hash) {
		return ErrBadPIN
	}
	return nil
}

// OutboxPath returns the namespaced location of the outbox database.
func (s *Store) OutboxPath() string { return s.path("outbox.db") }

// Clear removes session, device key, manifest and roster files on logout.
// The outbox database is left in place: sent history and blocked entries
// stay inspectable until purged explicitly.
func (s *Store) Clear() error {
	var firstErr error
	for _, name := range []string{"session.json", "device_key.json", "manifest.json", "patrols.json", "pin.json"} {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
