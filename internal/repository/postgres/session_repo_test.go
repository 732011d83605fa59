package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

func TestSessionRepo_GetByID_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT id, judge_id, station_id, event_id`).
		WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := r.GetByID(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSessionRepo_RotateRefresh(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	cur := []byte("current-hash")
	next := []byte("next-hash")
	exp := time.Now().Add(24 * time.Hour)

	mock.ExpectExec(`UPDATE sessions\s+SET refresh_hash=\$3, refresh_expiry=\$4`).
		WithArgs(id, cur, next, exp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.RotateRefresh(context.Background(), id, cur, next, exp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_RotateRefresh_ReuseRevokesSession(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	stale := []byte("already-rotated")
	next := []byte("next-hash")
	exp := time.Now().Add(24 * time.Hour)

	// Presenting an already-rotated token matches zero rows and burns
	// the whole session.
	mock.ExpectExec(`UPDATE sessions\s+SET refresh_hash=\$3, refresh_expiry=\$4`).
		WithArgs(id, stale, next, exp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`UPDATE sessions SET revoked_at=now\(\)`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := r.RotateRefresh(context.Background(), id, stale, next, exp)
	require.ErrorIs(t, err, errs.ErrSessionRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_SetDeviceKey_OnlyOnce(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	key := []byte("wrapped-device-key")

	mock.ExpectExec(`UPDATE sessions\s+SET device_key=\$2`).
		WithArgs(id, key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetDeviceKey(context.Background(), id, key))

	mock.ExpectExec(`UPDATE sessions\s+SET device_key=\$2`).
		WithArgs(id, key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := r.SetDeviceKey(context.Background(), id, key)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestSessionRepo_Create_Conflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	s := &model.Session{
		ID:              uuid.Must(uuid.NewV4()),
		JudgeID:         uuid.Must(uuid.NewV4()),
		StationID:       uuid.Must(uuid.NewV4()),
		EventID:         uuid.Must(uuid.NewV4()),
		ManifestVersion: 3,
		DeviceSalt:      "aabbcc",
		DeviceKey:       []byte{},
		RefreshHash:     []byte("hash"),
		RefreshExpiry:   time.Now().Add(24 * time.Hour),
	}

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID, s.JudgeID, s.StationID, s.EventID, s.ManifestVersion, s.DeviceSalt,
			s.DeviceKey, s.RefreshHash, s.RefreshExpiry).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := r.Create(context.Background(), s)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestSessionRepo_RotateDeviceSalt_Gone(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`UPDATE sessions SET device_salt=\$2`).
		WithArgs(id, "ddeeff").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := r.RotateDeviceSalt(context.Background(), id, "ddeeff")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
