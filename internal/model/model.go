// Package model defines domain entities shared by the judge client and the
// ingestion server.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access/refresh tokens.
type Tokens struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// Session is one judge's authenticated presence at one station of one event.
// A session maps to exactly one device identity; a revoked session is
// rejected, never merged.
type Session struct {
	ID              uuid.UUID
	JudgeID         uuid.UUID
	StationID       uuid.UUID
	EventID         uuid.UUID
	ManifestVersion int64
	DeviceSalt      string // hex, rotated server-side
	DeviceKey       []byte // server copy of the device signing key
	RefreshHash     []byte // SHA-256 of the current refresh token
	RefreshExpiry   time.Time
	RevokedAt       *time.Time
	CreatedAt       time.Time
}

// Revoked reports whether the session has been invalidated.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// DeviceKeyPayload is the device signing key encrypted under a wrapping key
// derived from (refresh token, device salt). Stored client-side only.
type DeviceKeyPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	DeviceSalt string `json:"device_salt"`
}

// SubmissionData carries the business fields of one station score. Patrol
// display fields are denormalized so the judge UI works offline.
type SubmissionData struct {
	EventID           uuid.UUID `json:"event_id"`
	StationID         uuid.UUID `json:"station_id"`
	PatrolID          uuid.UUID `json:"patrol_id"`
	Category          string    `json:"category"`
	ArrivedAt         string    `json:"arrived_at"` // RFC3339
	WaitMinutes       int       `json:"wait_minutes"`
	Points            *int      `json:"points"`
	Note              string    `json:"note"`
	UseTargetScoring  bool      `json:"use_target_scoring"`
	NormalizedAnswers *string   `json:"normalized_answers"`
	FinishTime        *string   `json:"finish_time"` // RFC3339, finish station only
	PatrolCode        string    `json:"patrol_code"`
	TeamName          string    `json:"team_name,omitempty"`
	Sex               string    `json:"sex,omitempty"`
}

// SubmissionEnvelope is signed once and never mutated afterwards.
// Invariant: Data.StationID == StationID and Data.EventID == EventID,
// checked on both ends.
type SubmissionEnvelope struct {
	Version         int            `json:"version"`
	ManifestVersion int64          `json:"manifest_version"`
	SessionID       uuid.UUID      `json:"session_id"`
	JudgeID         uuid.UUID      `json:"judge_id"`
	StationID       uuid.UUID      `json:"station_id"`
	EventID         uuid.UUID      `json:"event_id"`
	SignedAt        string         `json:"signed_at"` // RFC3339
	Data            SubmissionData `json:"data"`
}

// EnvelopeVersion is the current envelope wire version.
const EnvelopeVersion = 1

// OutboxState is the retry state of a pending submission.
type OutboxState string

const (
	StateQueued       OutboxState = "queued"
	StateSending      OutboxState = "sending"
	StateSent         OutboxState = "sent"
	StateFailed       OutboxState = "failed"
	StateNeedsAuth    OutboxState = "needs_auth"
	StateBlockedOther OutboxState = "blocked_other_session"
)

// OutboxEntry is one durable pending submission. ClientEventID is minted
// once per logical edit and reused across retries; a second edit of the
// same score mints a new id with a newer ClientCreatedAt.
type OutboxEntry struct {
	ClientEventID   uuid.UUID
	ClientCreatedAt time.Time
	EventID         uuid.UUID
	StationID       uuid.UUID
	Envelope        SubmissionEnvelope
	CanonicalBytes  []byte
	Signature       string
	State           OutboxState
	Attempts        int
	LastError       string
	ErrorCategory   string // errs.Category of LastError, "" if none
	NetworkError    bool   // last failure was a connectivity error
	NextAttemptAt   time.Time
	CreatedAt       time.Time
}

// Patrol is a roster entry, snapshotted client-side at login.
type Patrol struct {
	ID         uuid.UUID `json:"id"`
	EventID    uuid.UUID `json:"event_id"`
	PatrolCode string    `json:"patrol_code"`
	TeamName   string    `json:"team_name"`
	Category   string    `json:"category"`
	Sex        string    `json:"sex"`
}

// Assignment grants one judge scoring rights at one station of one event.
// Empty AllowedCategories falls back to the station's coded defaults.
type Assignment struct {
	JudgeID           uuid.UUID
	StationID         uuid.UUID
	EventID           uuid.UUID
	AllowedCategories []string
}

// Station holds the station-coded default category set.
type Station struct {
	ID                uuid.UUID
	EventID           uuid.UUID
	Code              string
	DefaultCategories []string
	IsFinish          bool
}

// Manifest identifies the assignment/permission snapshot a session was
// issued under. A version mismatch invalidates in-flight submissions.
type Manifest struct {
	Version           int64     `json:"version"`
	StationID         uuid.UUID `json:"station_id"`
	EventID           uuid.UUID `json:"event_id"`
	AllowedCategories []string  `json:"allowed_categories"`
	DeviceSalt        string    `json:"device_salt"`
}

// StationScore is the persisted score row returned to the client.
type StationScore struct {
	EventID         uuid.UUID `json:"event_id"`
	StationID       uuid.UUID `json:"station_id"`
	PatrolID        uuid.UUID `json:"patrol_id"`
	JudgeID         uuid.UUID `json:"judge_id"`
	Category        string    `json:"category"`
	Points          int       `json:"points"`
	Note            string    `json:"note"`
	ClientEventID   uuid.UUID `json:"client_event_id"`
	ClientCreatedAt time.Time `json:"client_created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Judge is a server-side account. Passwords are Argon2id hashed.
type Judge struct {
	ID        uuid.UUID
	Username  string
	PwdHash   []byte
	SaltAuth  []byte
	CreatedAt time.Time
}

// ScoreWrite is the flattened, validated form of one submission handed to
// the repository for the atomic multi-table write.
type ScoreWrite struct {
	ClientEventID   uuid.UUID
	ClientCreatedAt time.Time
	EventID         uuid.UUID
	StationID       uuid.UUID
	PatrolID        uuid.UUID
	JudgeID         uuid.UUID
	Category        string
	ArrivedAt       time.Time
	WaitMinutes     int
	Points          int
	Note            string
	UseTarget       bool
	Answers         *string
	FinishTime      *time.Time
}
