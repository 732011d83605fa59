package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/crypto/devicecrypto"
	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
	"github.com/trailband/stationsync/internal/repository"
)

type fakeScores struct {
	applied  []model.ScoreWrite
	applyErr error
}

var _ repository.ScoreRepository = (*fakeScores)(nil)

func (f *fakeScores) Apply(_ context.Context, w model.ScoreWrite) (*model.StationScore, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, w)
	return &model.StationScore{
		EventID:         w.EventID,
		StationID:       w.StationID,
		PatrolID:        w.PatrolID,
		JudgeID:         w.JudgeID,
		Category:        w.Category,
		Points:          w.Points,
		Note:            w.Note,
		ClientEventID:   w.ClientEventID,
		ClientCreatedAt: w.ClientCreatedAt,
	}, nil
}

func (f *fakeScores) GetScore(_ context.Context, eventID, stationID, patrolID uuid.UUID) (*model.StationScore, error) {
	for i := len(f.applied) - 1; i >= 0; i-- {
		w := f.applied[i]
		if w.EventID == eventID && w.StationID == stationID && w.PatrolID == patrolID {
			return &model.StationScore{EventID: eventID, StationID: stationID, PatrolID: patrolID, Points: w.Points}, nil
		}
	}
	return nil, errs.ErrNotFound
}

type ingestFixture struct {
	svc      *IngestServiceImpl
	sessions *fakeSessions
	roster   *fakeRoster
	scores   *fakeScores

	deviceKey []byte
	session   *model.Session
	claims    *Claims
	patrolID  uuid.UUID
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	judgeID := uuid.Must(uuid.NewV4())
	stationID := uuid.Must(uuid.NewV4())
	eventID := uuid.Must(uuid.NewV4())
	patrolID := uuid.Must(uuid.NewV4())
	sessionID := uuid.Must(uuid.NewV4())

	key, err := devicecrypto.GenerateDeviceKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	sess := &model.Session{
		ID:              sessionID,
		JudgeID:         judgeID,
		StationID:       stationID,
		EventID:         eventID,
		ManifestVersion: 4,
		DeviceKey:       key,
	}
	sessions := &fakeSessions{byID: map[uuid.UUID]*model.Session{sessionID: sess}}
	roster := &fakeRoster{
		assignments: map[[3]uuid.UUID]*model.Assignment{
			{judgeID, stationID, eventID}: {JudgeID: judgeID, StationID: stationID, EventID: eventID, AllowedCategories: []string{"M"}},
		},
		stations: map[uuid.UUID]*model.Station{
			stationID: {ID: stationID, EventID: eventID, Code: "S3", DefaultCategories: []string{"M", "K"}},
		},
		patrols: map[uuid.UUID]*model.Patrol{
			patrolID: {ID: patrolID, EventID: eventID, PatrolCode: "M-12", Category: "M"},
		},
		version: 4,
	}
	scores := &fakeScores{}

	return &ingestFixture{
		svc:      NewIngestService(sessions, roster, scores, 0),
		sessions: sessions,
		roster:   roster,
		scores:   scores,

		deviceKey: key,
		session:   sess,
		claims:    &Claims{SessionID: sessionID.String()},
		patrolID:  patrolID,
	}
}

func (fx *ingestFixture) envelope() model.SubmissionEnvelope {
	points := 7
	return model.SubmissionEnvelope{
		Version:         model.EnvelopeVersion,
		ManifestVersion: fx.session.ManifestVersion,
		SessionID:       fx.session.ID,
		JudgeID:         fx.session.JudgeID,
		StationID:       fx.session.StationID,
		EventID:         fx.session.EventID,
		SignedAt:        "2026-05-16T09:30:00Z",
		Data: model.SubmissionData{
			EventID:     fx.session.EventID,
			StationID:   fx.session.StationID,
			PatrolID:    fx.patrolID,
			Category:    "M",
			ArrivedAt:   "2026-05-16T09:25:00Z",
			WaitMinutes: 10,
			Points:      &points,
			PatrolCode:  "M-12",
		},
	}
}

func (fx *ingestFixture) request(env model.SubmissionEnvelope) *convert.SubmissionRequest {
	signed := devicecrypto.Sign(fx.deviceKey, env)
	return &convert.SubmissionRequest{
		ClientEventID:    uuid.Must(uuid.NewV4()).String(),
		ClientCreatedAt:  env.SignedAt,
		EventID:          env.EventID.String(),
		StationID:        env.StationID.String(),
		PatrolID:         env.Data.PatrolID.String(),
		Category:         env.Data.Category,
		Signature:        signed.Signature,
		SignaturePayload: signed.CanonicalBytes,
	}
}

func wantCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want code %s, got nil error", code)
	}
	if got := errs.CodeFrom(err); got != code {
		t.Fatalf("want code %s, got %s (%v)", code, got, err)
	}
}

func TestSubmit_OK(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())

	score, err := fx.svc.Submit(context.Background(), fx.claims, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if score.Points != 7 || score.JudgeID != fx.session.JudgeID {
		t.Fatalf("score: %+v", score)
	}
	if len(fx.scores.applied) != 1 {
		t.Fatalf("applied %d writes", len(fx.scores.applied))
	}
	w := fx.scores.applied[0]
	wantAt := time.Date(2026, 5, 16, 9, 30, 0, 0, time.UTC)
	if !w.ClientCreatedAt.Equal(wantAt) {
		t.Fatalf("ordering key must come from the signed envelope, got %v", w.ClientCreatedAt)
	}
}

func TestSubmit_TamperedPayload(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())
	req.SignaturePayload[len(req.SignaturePayload)/2] ^= 0x01

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeInvalidSignature)
	if len(fx.scores.applied) != 0 {
		t.Fatalf("nothing may be written")
	}
}

func TestSubmit_WrongDeviceKey(t *testing.T) {
	fx := newIngestFixture(t)
	env := fx.envelope()
	other, _ := devicecrypto.GenerateDeviceKey()
	signed := devicecrypto.Sign(other, env)
	req := fx.request(env)
	req.Signature = signed.Signature

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeInvalidSignature)
}

func TestSubmit_ManifestVersionMismatch(t *testing.T) {
	fx := newIngestFixture(t)
	env := fx.envelope()
	env.ManifestVersion = 3
	req := fx.request(env)

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeManifestVersionMismatch)
}

func TestSubmit_RevokedSession(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())
	_ = fx.sessions.Revoke(context.Background(), fx.session.ID)

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeSessionRevoked)
}

func TestSubmit_UnknownSession(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())
	cl := &Claims{SessionID: uuid.Must(uuid.NewV4()).String()}

	_, err := fx.svc.Submit(context.Background(), cl, req)
	wantCode(t, err, errs.CodeMissingSession)
}

func TestSubmit_RequestIDsDisagree(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())
	req.PatrolID = uuid.Must(uuid.NewV4()).String()

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodePayloadMismatch)
}

func TestSubmit_CategoryNotAllowed(t *testing.T) {
	fx := newIngestFixture(t)
	env := fx.envelope()
	env.Data.Category = "X"
	req := fx.request(env)
	req.Category = "X"

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeCategoryNotAllowed)
	if len(fx.scores.applied) != 0 {
		t.Fatalf("unauthorized submission must not produce a row")
	}
}

func TestSubmit_CategoryMismatch(t *testing.T) {
	fx := newIngestFixture(t)
	fx.roster.patrols[fx.patrolID].Category = "K"
	fx.roster.assignments[[3]uuid.UUID{fx.session.JudgeID, fx.session.StationID, fx.session.EventID}].AllowedCategories = []string{"M", "K"}
	req := fx.request(fx.envelope())

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeCategoryMismatch)
}

func TestSubmit_PointsOutOfRange(t *testing.T) {
	fx := newIngestFixture(t)
	env := fx.envelope()
	big := 1001
	env.Data.Points = &big
	req := fx.request(env)

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeValidation)
}

func TestSubmit_FinishTimeOutsideFinishStation(t *testing.T) {
	fx := newIngestFixture(t)
	env := fx.envelope()
	ft := "2026-05-16T14:00:00Z"
	env.Data.FinishTime = &ft
	req := fx.request(env)

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeValidation)
}

func TestSubmit_FinishTimeAtFinishStation(t *testing.T) {
	fx := newIngestFixture(t)
	fx.roster.stations[fx.session.StationID].IsFinish = true
	env := fx.envelope()
	ft := "2026-05-16T14:00:00Z"
	env.Data.FinishTime = &ft
	req := fx.request(env)

	_, err := fx.svc.Submit(context.Background(), fx.claims, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	w := fx.scores.applied[0]
	if w.FinishTime == nil || !w.FinishTime.Equal(time.Date(2026, 5, 16, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("finish time: %v", w.FinishTime)
	}
}

func TestSubmitBatch_MixedOutcomes(t *testing.T) {
	fx := newIngestFixture(t)

	good := fx.request(fx.envelope())
	bad := fx.request(fx.envelope())
	bad.SignaturePayload[0] ^= 0x01

	req := &convert.BatchRequest{Operations: []convert.BatchOperation{
		{ID: uuid.Must(uuid.NewV4()).String(), Type: convert.BatchOpSubmission, Signature: good.Signature, SignaturePayload: good.SignaturePayload},
		{ID: uuid.Must(uuid.NewV4()).String(), Type: convert.BatchOpSubmission, Signature: bad.Signature, SignaturePayload: bad.SignaturePayload},
		{ID: uuid.Must(uuid.NewV4()).String(), Type: "unknown"},
	}}

	results, err := fx.svc.SubmitBatch(context.Background(), fx.claims, req)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: %d", len(results))
	}
	if results[0].Status != convert.BatchStatusDone {
		t.Fatalf("op 0: %+v", results[0])
	}
	if results[1].Status != convert.BatchStatusFailed || results[1].Error != string(errs.CodeInvalidSignature) {
		t.Fatalf("op 1: %+v", results[1])
	}
	if results[2].Status != convert.BatchStatusFailed || results[2].Error != string(errs.CodeValidation) {
		t.Fatalf("op 2: %+v", results[2])
	}
}

func TestSubmitBatch_TooLarge(t *testing.T) {
	fx := newIngestFixture(t)
	req := &convert.BatchRequest{Operations: make([]convert.BatchOperation, convert.MaxBatchOperations+1)}

	_, err := fx.svc.SubmitBatch(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeValidation)
}

func TestSubmitBatch_ConfiguredCap(t *testing.T) {
	fx := newIngestFixture(t)
	svc := NewIngestService(fx.sessions, fx.roster, fx.scores, 10)

	req := &convert.BatchRequest{Operations: make([]convert.BatchOperation, 11)}
	_, err := svc.SubmitBatch(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeValidation)

	// A cap beyond the wire limit clamps back to it.
	svc = NewIngestService(fx.sessions, fx.roster, fx.scores, 500)
	req = &convert.BatchRequest{Operations: make([]convert.BatchOperation, convert.MaxBatchOperations+1)}
	_, err = svc.SubmitBatch(context.Background(), fx.claims, req)
	wantCode(t, err, errs.CodeValidation)
}

func TestScore_ReadBack(t *testing.T) {
	fx := newIngestFixture(t)
	req := fx.request(fx.envelope())
	if _, err := fx.svc.Submit(context.Background(), fx.claims, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	score, err := fx.svc.Score(context.Background(), fx.claims, fx.patrolID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Points != 7 {
		t.Fatalf("points: %d", score.Points)
	}

	_, err = fx.svc.Score(context.Background(), fx.claims, uuid.Must(uuid.NewV4()))
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
