package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/model"
)

// ScoreRepository persists station scores. Apply is the protocol's single
// serialization point: one transaction covering up to four relations.
type ScoreRepository interface {
	// Apply upserts the score, passage, optional finish-timing and optional
	// quiz-response rows in one transaction, last-write-wins per row by
	// client_created_at. A submission older than the stored rows is a
	// no-op, not an error; the returned row is whatever the table holds
	// after the call. All writes commit together or none persist.
	Apply(ctx context.Context, w model.ScoreWrite) (*model.StationScore, error)

	// GetScore returns the stored score row for one patrol at one station.
	GetScore(ctx context.Context, eventID, stationID, patrolID uuid.UUID) (*model.StationScore, error)
}
