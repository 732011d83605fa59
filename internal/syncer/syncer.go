// Package syncer drains ready outbox entries to the backend and feeds the
// outcomes back into the outbox state machine. The HTTP client and token
// source are injected; nothing here touches process-wide globals.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
	"github.com/trailband/stationsync/internal/outbox"
)

// TokenSource supplies the current bearer access token. Implemented by the
// client state store; the transport never parses or refreshes tokens
// itself.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Flusher drains one (event, station) scope of the outbox.
type Flusher struct {
	ob        *outbox.Outbox
	client    *http.Client
	baseURL   string
	tokens    TokenSource
	eventID   uuid.UUID
	stationID uuid.UUID
	log       *zap.Logger
}

// New constructs a Flusher. baseURL has no trailing slash.
func New(ob *outbox.Outbox, client *http.Client, baseURL string, tokens TokenSource, eventID, stationID uuid.UUID, log *zap.Logger) *Flusher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Flusher{
		ob: ob, client: client, baseURL: baseURL, tokens: tokens,
		eventID: eventID, stationID: stationID, log: log,
	}
}

// Report summarizes one flush pass.
type Report struct {
	Sent    int
	Retried int // transient failures, rescheduled
	Parked  int // needs_auth / blocked / terminal category
}

// Flush selects up to batchSize due entries, marks them sending, and issues
// one request per entry. Safe to invoke concurrently: entries already
// sending are skipped by selection, so an overlapping call is a no-op for
// in-flight rows. Entries are processed sequentially to keep backoff
// accounting simple on a recovering network. Entries parked in needs_auth
// are returned to the queue first whenever a usable access token is
// present, so delivery resumes after a token refresh.
func (f *Flusher) Flush(ctx context.Context, batchSize int) (Report, error) {
	var rep Report
	f.reviveParked(ctx)
	entries, err := f.ob.SelectForSend(ctx, f.eventID, f.stationID, batchSize)
	if err != nil {
		return rep, fmt.Errorf("select due entries: %w", err)
	}
	for _, e := range entries {
		f.apply(ctx, &rep, e.ClientEventID, f.send(ctx, e))
	}
	return rep, nil
}

// reviveParked requeues needs_auth entries once the token source holds a
// valid access token again. With no token they stay parked: resending
// would only re-park them.
func (f *Flusher) reviveParked(ctx context.Context) {
	if _, err := f.tokens.AccessToken(ctx); err != nil {
		return
	}
	if err := f.ob.RequeueNeedsAuth(ctx, f.eventID, f.stationID); err != nil {
		f.log.Error("requeue needs_auth entries", zap.Error(err))
	}
}

// outcome is a tagged send result; retry decisions stay in the outbox.
type outcome struct {
	status  int       // HTTP status, 0 on network error
	code    errs.Code // wire error code, "" when none
	netErr  error     // non-nil on network failure
	message string
}

func (f *Flusher) send(ctx context.Context, e model.OutboxEntry) outcome {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return outcome{status: http.StatusUnauthorized, code: errs.CodeMissingSession, message: "no access token: " + err.Error()}
	}

	body, err := json.Marshal(convert.SubmissionRequestFromEntry(e))
	if err != nil {
		// Entries are validated before enqueue; an unmarshalable entry is a bug.
		return outcome{status: http.StatusBadRequest, code: errs.CodeValidation, message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/v1/submissions", bytes.NewReader(body))
	if err != nil {
		return outcome{netErr: err, message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return outcome{netErr: err, message: err.Error()}
	}
	defer resp.Body.Close()

	out := outcome{status: resp.StatusCode}
	if resp.StatusCode >= 400 {
		var eb convert.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			out.code = errs.Code(eb.Error)
		}
		out.message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, eb.Error)
	}
	return out
}

// apply translates a send outcome into the state transition table.
func (f *Flusher) apply(ctx context.Context, rep *Report, id uuid.UUID, out outcome) {
	var err error
	switch {
	case out.netErr != nil:
		rep.Retried++
		err = f.ob.MarkFailed(ctx, id, out.message, errs.CategoryTransient, true)
	case out.status >= 200 && out.status < 300:
		rep.Sent++
		err = f.ob.MarkSent(ctx, id)
	case out.status == http.StatusUnauthorized:
		rep.Parked++
		err = f.ob.MarkNeedsAuth(ctx, id, out.message)
	case out.status == http.StatusForbidden:
		rep.Parked++
		err = f.ob.MarkBlocked(ctx, id, out.message)
	case out.status == http.StatusTooManyRequests || out.status >= 500:
		rep.Retried++
		err = f.ob.MarkFailed(ctx, id, out.message, errs.CategoryTransient, false)
	default:
		cat := errs.CategoryOf(out.code)
		if out.code == "" && out.status >= 400 {
			// 4xx with no recognizable code: the request itself is
			// rejected, resending the same bytes cannot change that.
			cat = errs.CategoryValidation
		}
		if cat == errs.CategoryTransient {
			rep.Retried++
		} else {
			rep.Parked++
		}
		err = f.ob.MarkFailed(ctx, id, out.message, cat, false)
	}
	if err != nil {
		f.log.Error("record send outcome", zap.String("client_event_id", id.String()), zap.Error(err))
	}
}

// FlushBatch drains due entries through the batch sync endpoint, up to 50
// operations per call. Results are matched by operation id; order is not
// assumed.
func (f *Flusher) FlushBatch(ctx context.Context, batchSize int) (Report, error) {
	var rep Report
	if batchSize > convert.MaxBatchOperations {
		batchSize = convert.MaxBatchOperations
	}
	f.reviveParked(ctx)
	entries, err := f.ob.SelectForSend(ctx, f.eventID, f.stationID, batchSize)
	if err != nil {
		return rep, fmt.Errorf("select due entries: %w", err)
	}
	if len(entries) == 0 {
		return rep, nil
	}

	byID := make(map[string]uuid.UUID, len(entries))
	breq := convert.BatchRequest{Operations: make([]convert.BatchOperation, 0, len(entries))}
	for _, e := range entries {
		byID[e.ClientEventID.String()] = e.ClientEventID
		breq.Operations = append(breq.Operations, convert.BatchOperationFromEntry(e))
	}

	out := f.postBatch(ctx, breq)
	if out.netErr != nil || out.status < 200 || out.status >= 300 {
		// Whole-request failure: every selected entry shares the outcome.
		for _, id := range byID {
			f.apply(ctx, &rep, id, out.outcome)
		}
		return rep, nil
	}

	for _, res := range out.results {
		id, ok := byID[res.ID]
		if !ok {
			f.log.Warn("batch result for unknown operation", zap.String("id", res.ID))
			continue
		}
		delete(byID, res.ID)
		if res.Status == convert.BatchStatusDone {
			f.apply(ctx, &rep, id, outcome{status: http.StatusOK})
			continue
		}
		code := errs.Code(res.Error)
		f.applyBatchFailure(ctx, &rep, id, code)
	}
	// Operations the server did not answer stay retryable.
	for _, id := range byID {
		f.apply(ctx, &rep, id, outcome{status: http.StatusInternalServerError, message: "no batch result"})
	}
	return rep, nil
}

// applyBatchFailure maps a per-operation error code to a transition; the
// batch wrapper flattens HTTP statuses, so the code's category decides.
func (f *Flusher) applyBatchFailure(ctx context.Context, rep *Report, id uuid.UUID, code errs.Code) {
	msg := "batch: " + string(code)
	var err error
	switch errs.CategoryOf(code) {
	case errs.CategoryAuth:
		rep.Parked++
		err = f.ob.MarkNeedsAuth(ctx, id, msg)
	case errs.CategoryAuthorization:
		rep.Parked++
		err = f.ob.MarkBlocked(ctx, id, msg)
	case errs.CategoryTransient:
		rep.Retried++
		err = f.ob.MarkFailed(ctx, id, msg, errs.CategoryTransient, false)
	default:
		rep.Parked++
		err = f.ob.MarkFailed(ctx, id, msg, errs.CategoryOf(code), false)
	}
	if err != nil {
		f.log.Error("record batch outcome", zap.String("client_event_id", id.String()), zap.Error(err))
	}
}

type batchOutcome struct {
	outcome
	results []convert.BatchResult
}

func (f *Flusher) postBatch(ctx context.Context, breq convert.BatchRequest) batchOutcome {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return batchOutcome{outcome: outcome{status: http.StatusUnauthorized, code: errs.CodeMissingSession, message: "no access token: " + err.Error()}}
	}
	body, _ := json.Marshal(breq)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/v1/sync/batch", bytes.NewReader(body))
	if err != nil {
		return batchOutcome{outcome: outcome{netErr: err, message: err.Error()}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return batchOutcome{outcome: outcome{netErr: err, message: err.Error()}}
	}
	defer resp.Body.Close()

	bo := batchOutcome{outcome: outcome{status: resp.StatusCode}}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		var eb convert.ErrorResponse
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			bo.code = errs.Code(eb.Error)
		}
		bo.message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, eb.Error)
		return bo
	}
	var br convert.BatchResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		bo.status = http.StatusInternalServerError
		bo.message = "malformed batch response: " + err.Error()
		return bo
	}
	bo.results = br.Results
	return bo
}

// ProbeConnectivity issues a cheap health check; on success the scheduled
// backoff of network-failed entries is cleared so the next flush picks them
// up immediately.
func (f *Flusher) ProbeConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false
	}
	if err := f.ob.ClearNetworkBackoff(ctx, f.eventID, f.stationID); err != nil {
		f.log.Error("clear network backoff", zap.Error(err))
	}
	return true
}
