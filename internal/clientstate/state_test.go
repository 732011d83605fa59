package clientstate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/trailband/stationsync/internal/model"
)

func newStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 16, 10, 0, 0, 0, time.UTC)
	s := New(t.TempDir(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())).
		WithClock(func() time.Time { return now })
	return s, &now
}

func sessionFixture(now time.Time) SessionState {
	return SessionState{
		SessionID:     uuid.Must(uuid.NewV4()),
		JudgeID:       uuid.Must(uuid.NewV4()),
		AccessToken:   "access-tok",
		AccessExpiry:  now.Add(15 * time.Minute),
		RefreshToken:  "refresh-tok",
		RefreshExpiry: now.Add(14 * 24 * time.Hour),
	}
}

func TestSession_RoundTripAndExpiry(t *testing.T) {
	s, now := newStore(t)
	st := sessionFixture(*now)
	require.NoError(t, s.SaveSession(st))

	got, err := s.LoadSession()
	require.NoError(t, err)
	require.Equal(t, st.SessionID, got.SessionID)

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-tok", tok)

	// Expired access token: transport must trigger the refresh flow.
	*now = now.Add(16 * time.Minute)
	_, err = s.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	// Session itself survives until the refresh token dies.
	_, err = s.LoadSession()
	require.NoError(t, err)

	*now = now.Add(15 * 24 * time.Hour)
	_, err = s.LoadSession()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestLoadSession_AbsentFile(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.LoadSession()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestDeviceKeyAndManifestRoundTrip(t *testing.T) {
	s, _ := newStore(t)

	payload := model.DeviceKeyPayload{Ciphertext: []byte{1, 2, 3}, IV: []byte{4, 5, 6}, DeviceSalt: "abcd"}
	require.NoError(t, s.SaveDeviceKey(payload))
	got, err := s.LoadDeviceKey()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	m := model.Manifest{Version: 7, DeviceSalt: "abcd", AllowedCategories: []string{"M", "N"}}
	require.NoError(t, s.SaveManifest(m))
	gm, err := s.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, m, gm)
}

func TestPatrolsSnapshot(t *testing.T) {
	s, _ := newStore(t)
	ps := []model.Patrol{{ID: uuid.Must(uuid.NewV4()), PatrolCode: "M17", TeamName: "Orli", Category: "M"}}
	require.NoError(t, s.SavePatrols(ps))
	got, err := s.LoadPatrols()
	require.NoError(t, err)
	require.Equal(t, ps, got)
}

func TestPIN(t *testing.T) {
	s, _ := newStore(t)

	// No PIN configured: access is open.
	require.NoError(t, s.VerifyPIN("anything"))

	require.NoError(t, s.SetPIN("1234"))
	require.NoError(t, s.VerifyPIN("1234"))
	require.ErrorIs(t, s.VerifyPIN("9999"), ErrBadPIN)
}

func TestNamespacing(t *testing.T) {
	root := t.TempDir()
	event := uuid.Must(uuid.NewV4())
	a := New(root, event, uuid.Must(uuid.NewV4()))
	b := New(root, event, uuid.Must(uuid.NewV4()))

	require.NoError(t, a.SaveManifest(model.Manifest{Version: 1}))
	_, err := b.LoadManifest()
	require.Error(t, err, "station B must not see station A state")
	require.NotEqual(t, a.OutboxPath(), b.OutboxPath())
}

func TestClear(t *testing.T) {
	s, now := newStore(t)
	require.NoError(t, s.SaveSession(sessionFixture(*now)))
	require.NoError(t, s.SaveDeviceKey(model.DeviceKeyPayload{Ciphertext: []byte{1}, IV: []byte{2}, DeviceSalt: "ab"}))

	require.NoError(t, s.Clear())
	_, err := s.LoadSession()
	require.ErrorIs(t, err, ErrNoSession)
	_, err = s.LoadDeviceKey()
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBadPIN))
}

func TestSave_OverwritesWithoutTempLeftovers(t *testing.T) {
	s, now := newStore(t)
	st := sessionFixture(*now)
	require.NoError(t, s.SaveSession(st))

	st.AccessToken = "rotated-tok"
	require.NoError(t, s.SaveSession(st))

	got, err := s.LoadSession()
	require.NoError(t, err)
	require.Equal(t, "rotated-tok", got.AccessToken)

	// The rename-based write must not strand temp files next to the state.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}
}
