package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/model"
)

// RosterRepository reads the assignment/permission snapshot: who judges
// where, station defaults, and the patrol roster.
type RosterRepository interface {
	// GetAssignment loads the judge's grant for (station, event).
	GetAssignment(ctx context.Context, judgeID, stationID, eventID uuid.UUID) (*model.Assignment, error)

	// GetStation loads a station with its coded default categories.
	GetStation(ctx context.Context, stationID uuid.UUID) (*model.Station, error)

	// GetPatrol loads one patrol.
	GetPatrol(ctx context.Context, patrolID uuid.UUID) (*model.Patrol, error)

	// ListPatrols returns the event's roster ordered by patrol code.
	ListPatrols(ctx context.Context, eventID uuid.UUID) ([]model.Patrol, error)

	// ManifestVersion returns the current assignment snapshot version for
	// the event.
	ManifestVersion(ctx context.Context, eventID uuid.UUID) (int64, error)
}
