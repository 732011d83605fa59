package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/model"
)

// SessionRepository stores authenticated sessions, including the server
// copy of each session's device signing key.
type SessionRepository interface {
	// Create inserts a new session.
	Create(ctx context.Context, s *model.Session) error

	// GetByID loads a session by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)

	// RotateRefresh replaces the stored refresh-token hash. The expected
	// current hash guards against refresh-token reuse: a mismatch reports
	// ErrSessionRevoked and the session is revoked.
	RotateRefresh(ctx context.Context, id uuid.UUID, currentHash, newHash []byte, newExpiry time.Time) error

	// SetDeviceKey stores the device signing key if none is registered yet.
	SetDeviceKey(ctx context.Context, id uuid.UUID, key []byte) error

	// RotateDeviceSalt replaces the per-device salt.
	RotateDeviceSalt(ctx context.Context, id uuid.UUID, saltHex string) error

	// Revoke invalidates the session.
	Revoke(ctx context.Context, id uuid.UUID) error
}
