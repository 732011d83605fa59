// Package convert defines the JSON wire types shared by the judge client
// and the HTTP API, and the mappings between wire and domain form.
package convert

import "github.com/trailband/stationsync/internal/model"

// SubmissionRequest is the body of POST /api/v1/submissions. The flat
// business fields mirror the signed envelope's data section; the server
// trusts only what it verifies inside SignaturePayload.
type SubmissionRequest struct {
	ClientEventID     string  `json:"client_event_id"`
	ClientCreatedAt   string  `json:"client_created_at"`
	EventID           string  `json:"event_id"`
	StationID         string  `json:"station_id"`
	PatrolID          string  `json:"patrol_id"`
	Category          string  `json:"category"`
	ArrivedAt         string  `json:"arrived_at"`
	WaitMinutes       int     `json:"wait_minutes"`
	Points            *int    `json:"points"`
	Note              string  `json:"note"`
	UseTargetScoring  bool    `json:"use_target_scoring"`
	NormalizedAnswers *string `json:"normalized_answers"`
	FinishTime        *string `json:"finish_time"`
	PatrolCode        string  `json:"patrol_code"`
	TeamName          string  `json:"team_name,omitempty"`
	Sex               string  `json:"sex,omitempty"`

	// Signature is the base64 HMAC over SignaturePayload, which carries the
	// exact canonical envelope bytes produced at signing time.
	Signature        string `json:"signature"`
	SignaturePayload []byte `json:"signature_payload"`
}

// ScoreResponse is the success body of the submission endpoint.
type ScoreResponse struct {
	Score model.StationScore `json:"score"`
}

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Batch sync endpoint types. Max 50 operations per call.

const (
	BatchOpSubmission = "submission"

	BatchStatusDone   = "done"
	BatchStatusFailed = "failed"

	MaxBatchOperations = 50
)

// BatchOperation is one entry of POST /api/v1/sync/batch.
type BatchOperation struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Signature        string `json:"signature"`
	SignaturePayload []byte `json:"signature_payload"`
}

// BatchRequest is the batch sync request body.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

// BatchResult reports one operation's outcome, identified by id.
type BatchResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BatchResponse is the batch sync response body.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// Auth endpoint types.

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	StationID string `json:"station_id"`
	EventID   string `json:"event_id"`
}

// LoginResponse carries the session bootstrap package.
type LoginResponse struct {
	SessionID             string         `json:"session_id"`
	JudgeID               string         `json:"judge_id"`
	AccessToken           string         `json:"access_token"`
	AccessTokenExpiresIn  int64          `json:"access_token_expires_in"`
	RefreshToken          string         `json:"refresh_token"`
	RefreshTokenExpiresIn int64          `json:"refresh_token_expires_in"`
	DeviceSalt            string         `json:"device_salt"`
	Manifest              model.Manifest `json:"manifest"`
	Patrols               []model.Patrol `json:"patrols"`
}

// RefreshRequest is the body of POST /api/v1/auth/refresh.
type RefreshRequest struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries the rotated token pair and the current device
// salt (the client re-wraps its device key when the salt changed).
type RefreshResponse struct {
	AccessToken           string `json:"access_token"`
	AccessTokenExpiresIn  int64  `json:"access_token_expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	DeviceSalt            string `json:"device_salt"`
}

// DeviceKeyRequest registers the server copy of a freshly generated device
// signing key, once per login.
type DeviceKeyRequest struct {
	DeviceKey []byte `json:"device_key"`
}

// ManifestResponse is the body of GET /api/v1/manifest.
type ManifestResponse struct {
	Manifest model.Manifest `json:"manifest"`
	Patrols  []model.Patrol `json:"patrols"`
}
