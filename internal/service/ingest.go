package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/crypto/devicecrypto"
	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
	"github.com/trailband/stationsync/internal/repository"
)

// Validation bounds for submitted scores.
const (
	MaxPoints      = 1000
	MaxWaitMinutes = 1440
)

// IngestService runs the ordered ingestion pipeline: session, signature,
// envelope consistency, authorization, validation, then one transaction.
// Checks short-circuit; nothing is written before the last step.
type IngestService interface {
	// Submit processes a single signed submission.
	Submit(ctx context.Context, cl *Claims, req *convert.SubmissionRequest) (*model.StationScore, error)
	// SubmitBatch processes up to the configured batch cap of submissions,
	// each through the same pipeline. One bad operation fails alone.
	SubmitBatch(ctx context.Context, cl *Claims, req *convert.BatchRequest) ([]convert.BatchResult, error)
	// Score returns the stored score for a patrol at the session's station.
	Score(ctx context.Context, cl *Claims, patrolID uuid.UUID) (*model.StationScore, error)
}

type IngestServiceImpl struct {
	sessions repository.SessionRepository
	roster   repository.RosterRepository
	scores   repository.ScoreRepository
	maxBatch int
}

// NewIngestService constructs IngestService with required dependencies.
// maxBatch caps batch size per call; values outside 1..MaxBatchOperations
// fall back to the wire limit.
func NewIngestService(sessions repository.SessionRepository, roster repository.RosterRepository,
	scores repository.ScoreRepository, maxBatch int) *IngestServiceImpl {
	if maxBatch <= 0 || maxBatch > convert.MaxBatchOperations {
		maxBatch = convert.MaxBatchOperations
	}
	return &IngestServiceImpl{sessions: sessions, roster: roster, scores: scores, maxBatch: maxBatch}
}

// Submit verifies and persists one submission. The flat request fields are
// advisory; every value that matters is read from the verified signature
// payload.
func (s *IngestServiceImpl) Submit(ctx context.Context, cl *Claims, req *convert.SubmissionRequest) (*model.StationScore, error) {
	clientEventID, err := uuid.FromString(req.ClientEventID)
	if err != nil {
		return nil, errs.Ef(errs.CodeValidation, "client_event_id: %v", err)
	}
	env, sess, err := s.verify(ctx, cl, req.Signature, req.SignaturePayload)
	if err != nil {
		return nil, err
	}
	// The unsigned ids must agree with the signed envelope.
	if req.StationID != env.StationID.String() || req.EventID != env.EventID.String() ||
		req.PatrolID != env.Data.PatrolID.String() {
		return nil, errs.Ef(errs.CodePayloadMismatch, "request ids disagree with signed payload")
	}
	return s.apply(ctx, sess, env, clientEventID)
}

// SubmitBatch runs each operation through the full pipeline and reports
// per-operation outcomes keyed by the operation id.
func (s *IngestServiceImpl) SubmitBatch(ctx context.Context, cl *Claims, req *convert.BatchRequest) ([]convert.BatchResult, error) {
	if len(req.Operations) > s.maxBatch {
		return nil, errs.Ef(errs.CodeValidation, "batch exceeds %d operations", s.maxBatch)
	}
	results := make([]convert.BatchResult, 0, len(req.Operations))
	for _, op := range req.Operations {
		results = append(results, s.submitOne(ctx, cl, op))
	}
	return results, nil
}

func (s *IngestServiceImpl) submitOne(ctx context.Context, cl *Claims, op convert.BatchOperation) convert.BatchResult {
	res := convert.BatchResult{ID: op.ID, Status: convert.BatchStatusFailed}

	if op.Type != convert.BatchOpSubmission {
		res.Error = string(errs.CodeValidation)
		return res
	}
	clientEventID, err := uuid.FromString(op.ID)
	if err != nil {
		res.Error = string(errs.CodeValidation)
		return res
	}
	env, sess, err := s.verify(ctx, cl, op.Signature, op.SignaturePayload)
	if err != nil {
		res.Error = string(errs.CodeFrom(err))
		return res
	}
	if _, err := s.apply(ctx, sess, env, clientEventID); err != nil {
		res.Error = string(errs.CodeFrom(err))
		return res
	}
	res.Status = convert.BatchStatusDone
	return res
}

// Score reads back the stored score row for the session's station.
func (s *IngestServiceImpl) Score(ctx context.Context, cl *Claims, patrolID uuid.UUID) (*model.StationScore, error) {
	sid, err := cl.Session()
	if err != nil {
		return nil, errs.E(errs.CodeInvalidJWT, err)
	}
	sess, err := s.loadSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	return s.scores.GetScore(ctx, sess.EventID, sess.StationID, patrolID)
}

// verify runs steps 1-3 of the pipeline: session, signature, envelope
// consistency. The returned envelope is decoded from the verified bytes.
func (s *IngestServiceImpl) verify(ctx context.Context, cl *Claims, signature string, payload []byte) (*model.SubmissionEnvelope, *model.Session, error) {
	sid, err := cl.Session()
	if err != nil {
		return nil, nil, errs.E(errs.CodeInvalidJWT, err)
	}
	sess, err := s.loadSession(ctx, sid)
	if err != nil {
		return nil, nil, err
	}

	if len(sess.DeviceKey) == 0 || !devicecrypto.Verify(sess.DeviceKey, payload, signature) {
		return nil, nil, errs.Ef(errs.CodeInvalidSignature, "signature does not verify")
	}

	var env model.SubmissionEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, errs.E(errs.CodePayloadMismatch, err)
	}
	if env.Version != model.EnvelopeVersion {
		return nil, nil, errs.Ef(errs.CodeValidation, "unsupported envelope version %d", env.Version)
	}

	switch {
	case env.SessionID != sess.ID:
		return nil, nil, errs.Ef(errs.CodeSessionMismatch, "envelope signed under another session")
	case env.ManifestVersion != sess.ManifestVersion:
		return nil, nil, errs.Ef(errs.CodeManifestVersionMismatch,
			"envelope manifest v%d, session manifest v%d", env.ManifestVersion, sess.ManifestVersion)
	case env.StationID != sess.StationID || env.EventID != sess.EventID || env.JudgeID != sess.JudgeID:
		return nil, nil, errs.Ef(errs.CodeAssignmentMismatch, "envelope bound to another assignment")
	case env.Data.StationID != env.StationID || env.Data.EventID != env.EventID:
		return nil, nil, errs.Ef(errs.CodePayloadMismatch, "data ids disagree with envelope ids")
	}
	return &env, sess, nil
}

func (s *IngestServiceImpl) loadSession(ctx context.Context, sid uuid.UUID) (*model.Session, error) {
	sess, err := s.sessions.GetByID(ctx, sid)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Ef(errs.CodeMissingSession, "session %s not found", sid)
		}
		return nil, errs.E(errs.CodeInternal, err)
	}
	if sess.Revoked() {
		return nil, errs.Ef(errs.CodeSessionRevoked, "session %s revoked", sid)
	}
	return sess, nil
}

// apply runs steps 4-5: authorization, field validation and the atomic
// multi-table write.
func (s *IngestServiceImpl) apply(ctx context.Context, sess *model.Session, env *model.SubmissionEnvelope, clientEventID uuid.UUID) (*model.StationScore, error) {
	assignment, err := s.roster.GetAssignment(ctx, sess.JudgeID, sess.StationID, sess.EventID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Ef(errs.CodeForbidden, "no assignment for judge at station")
		}
		return nil, errs.E(errs.CodeInternal, err)
	}
	station, err := s.roster.GetStation(ctx, sess.StationID)
	if err != nil {
		return nil, errs.E(errs.CodeInternal, err)
	}
	allowed := assignment.AllowedCategories
	if len(allowed) == 0 {
		allowed = station.DefaultCategories
	}

	w, err := validateSubmission(env, clientEventID, station.IsFinish)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(allowed, w.Category) {
		return nil, errs.Ef(errs.CodeCategoryNotAllowed, "category %q not allowed at station", w.Category)
	}
	patrol, err := s.roster.GetPatrol(ctx, env.Data.PatrolID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Ef(errs.CodeValidation, "unknown patrol %s", env.Data.PatrolID)
		}
		return nil, errs.E(errs.CodeInternal, err)
	}
	if patrol.Category != w.Category {
		return nil, errs.Ef(errs.CodeCategoryMismatch,
			"patrol is category %q, submission says %q", patrol.Category, w.Category)
	}

	w.JudgeID = sess.JudgeID
	score, err := s.scores.Apply(ctx, *w)
	if err != nil {
		return nil, errs.E(errs.CodeInternal, err)
	}
	return score, nil
}

// validateSubmission checks field bounds and flattens the envelope into a
// repository write. The signed_at timestamp is the LWW ordering key: it is
// covered by the signature, unlike the request's client_created_at.
func validateSubmission(env *model.SubmissionEnvelope, clientEventID uuid.UUID, isFinish bool) (*model.ScoreWrite, error) {
	d := env.Data
	switch {
	case d.PatrolID == uuid.Nil || d.StationID == uuid.Nil || d.EventID == uuid.Nil:
		return nil, errs.Ef(errs.CodeValidation, "nil id in submission")
	case len(d.Category) != 1 || d.Category[0] < 'A' || d.Category[0] > 'Z':
		return nil, errs.Ef(errs.CodeValidation, "category must be a single letter, got %q", d.Category)
	case d.Points == nil || *d.Points < 0 || *d.Points > MaxPoints:
		return nil, errs.Ef(errs.CodeValidation, "points out of range")
	case d.WaitMinutes < 0 || d.WaitMinutes > MaxWaitMinutes:
		return nil, errs.Ef(errs.CodeValidation, "wait_minutes out of range")
	}

	signedAt, err := time.Parse(time.RFC3339, env.SignedAt)
	if err != nil {
		return nil, errs.Ef(errs.CodeValidation, "signed_at: %v", err)
	}
	arrivedAt, err := time.Parse(time.RFC3339, d.ArrivedAt)
	if err != nil {
		return nil, errs.Ef(errs.CodeValidation, "arrived_at: %v", err)
	}

	w := &model.ScoreWrite{
		ClientEventID:   clientEventID,
		ClientCreatedAt: signedAt.UTC(),
		EventID:         d.EventID,
		StationID:       d.StationID,
		PatrolID:        d.PatrolID,
		Category:        d.Category,
		ArrivedAt:       arrivedAt.UTC(),
		WaitMinutes:     d.WaitMinutes,
		Points:          *d.Points,
		Note:            d.Note,
		UseTarget:       d.UseTargetScoring,
		Answers:         d.NormalizedAnswers,
	}
	if d.FinishTime != nil {
		if !isFinish {
			return nil, errs.Ef(errs.CodeValidation, "finish_time outside finish station")
		}
		ft, err := time.Parse(time.RFC3339, *d.FinishTime)
		if err != nil {
			return nil, errs.Ef(errs.CodeValidation, "finish_time: %v", err)
		}
		utc := ft.UTC()
		w.FinishTime = &utc
	}
	return w, nil
}
