package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO sessions
  (id, judge_id, station_id, event_id, manifest_version, device_salt, device_key,
   refresh_hash, refresh_expiry)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.db.Pool.Exec(ctx, q,
		s.ID, s.JudgeID, s.StationID, s.EventID, s.ManifestVersion, s.DeviceSalt,
		s.DeviceKey, s.RefreshHash, s.RefreshExpiry)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a session by ID.
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	const q = `
SELECT id, judge_id, station_id, event_id, manifest_version, device_salt, device_key,
       refresh_hash, refresh_expiry, revoked_at, created_at
FROM sessions WHERE id=$1`
	var s model.Session
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.JudgeID, &s.StationID, &s.EventID, &s.ManifestVersion, &s.DeviceSalt,
		&s.DeviceKey, &s.RefreshHash, &s.RefreshExpiry, &s.RevokedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// RotateRefresh swaps the refresh-token hash, guarded by the current hash.
// A hash mismatch means the presented refresh token was already rotated:
// the session is revoked and ErrSessionRevoked returned — token reuse is
// treated as compromise.
func (r *SessionRepo) RotateRefresh(ctx context.Context, id uuid.UUID, currentHash, newHash []byte, newExpiry time.Time) error {
	const q = `
UPDATE sessions
SET refresh_hash=$3, refresh_expiry=$4
WHERE id=$1 AND refresh_hash=$2 AND revoked_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, currentHash, newHash, newExpiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := r.Revoke(ctx, id); err != nil {
			return fmt.Errorf("revoke after refresh reuse: %w", err)
		}
		return errs.ErrSessionRevoked
	}
	return nil
}

// SetDeviceKey stores the device signing key only if none is registered.
func (r *SessionRepo) SetDeviceKey(ctx context.Context, id uuid.UUID, key []byte) error {
	const q = `
UPDATE sessions
SET device_key=$2
WHERE id=$1 AND octet_length(device_key)=0 AND revoked_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// RotateDeviceSalt replaces the per-device salt. The client re-wraps its
// device key under the new salt on the next manifest refresh.
func (r *SessionRepo) RotateDeviceSalt(ctx context.Context, id uuid.UUID, saltHex string) error {
	const q = `UPDATE sessions SET device_salt=$2 WHERE id=$1 AND revoked_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, saltHex)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Revoke invalidates the session. Idempotent: revoking twice keeps the
// original timestamp.
func (r *SessionRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE sessions SET revoked_at=now() WHERE id=$1 AND revoked_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}
