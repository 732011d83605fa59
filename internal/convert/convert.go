package convert

import (
	"time"

	"github.com/trailband/stationsync/internal/model"
)

// SubmissionRequestFromEntry flattens an outbox entry onto the wire. The
// canonical bytes travel verbatim; re-serializing the envelope here would
// risk a byte-level mismatch with the signature.
func SubmissionRequestFromEntry(e model.OutboxEntry) SubmissionRequest {
	d := e.Envelope.Data
	return SubmissionRequest{
		ClientEventID:     e.ClientEventID.String(),
		ClientCreatedAt:   e.ClientCreatedAt.UTC().Format(time.RFC3339Nano),
		EventID:           d.EventID.String(),
		StationID:         d.StationID.String(),
		PatrolID:          d.PatrolID.String(),
		Category:          d.Category,
		ArrivedAt:         d.ArrivedAt,
		WaitMinutes:       d.WaitMinutes,
		Points:            d.Points,
		Note:              d.Note,
		UseTargetScoring:  d.UseTargetScoring,
		NormalizedAnswers: d.NormalizedAnswers,
		FinishTime:        d.FinishTime,
		PatrolCode:        d.PatrolCode,
		TeamName:          d.TeamName,
		Sex:               d.Sex,
		Signature:         e.Signature,
		SignaturePayload:  e.CanonicalBytes,
	}
}

// BatchOperationFromEntry maps an outbox entry to a batch sync operation,
// identified by its client event id.
func BatchOperationFromEntry(e model.OutboxEntry) BatchOperation {
	return BatchOperation{
		ID:               e.ClientEventID.String(),
		Type:             BatchOpSubmission,
		Signature:        e.Signature,
		SignaturePayload: e.CanonicalBytes,
	}
}
