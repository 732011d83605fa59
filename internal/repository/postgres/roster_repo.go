package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

// RosterRepo implements RosterRepository using PostgreSQL.
type RosterRepo struct{ db *DB }

// NewRosterRepo constructs a roster repository.
func NewRosterRepo(db *DB) *RosterRepo { return &RosterRepo{db: db} }

// GetAssignment selects the judge's grant for (station, event).
func (r *RosterRepo) GetAssignment(ctx context.Context, judgeID, stationID, eventID uuid.UUID) (*model.Assignment, error) {
	const q = `
SELECT judge_id, station_id, event_id, allowed_categories
FROM assignments WHERE judge_id=$1 AND station_id=$2 AND event_id=$3`
	var a model.Assignment
	err := r.db.Pool.QueryRow(ctx, q, judgeID, stationID, eventID).Scan(
		&a.JudgeID, &a.StationID, &a.EventID, &a.AllowedCategories)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetStation selects a station with its default category set.
func (r *RosterRepo) GetStation(ctx context.Context, stationID uuid.UUID) (*model.Station, error) {
	const q = `
SELECT id, event_id, code, default_categories, is_finish
FROM stations WHERE id=$1`
	var s model.Station
	err := r.db.Pool.QueryRow(ctx, q, stationID).Scan(
		&s.ID, &s.EventID, &s.Code, &s.DefaultCategories, &s.IsFinish)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetPatrol selects one patrol.
func (r *RosterRepo) GetPatrol(ctx context.Context, patrolID uuid.UUID) (*model.Patrol, error) {
	const q = `
SELECT id, event_id, patrol_code, team_name, category, sex
FROM patrols WHERE id=$1`
	var p model.Patrol
	err := r.db.Pool.QueryRow(ctx, q, patrolID).Scan(
		&p.ID, &p.EventID, &p.PatrolCode, &p.TeamName, &p.Category, &p.Sex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPatrols returns the event roster ordered by patrol code.
func (r *RosterRepo) ListPatrols(ctx context.Context, eventID uuid.UUID) ([]model.Patrol, error) {
	const q = `
SELECT id, event_id, patrol_code, team_name, category, sex
FROM patrols WHERE event_id=$1
ORDER BY patrol_code ASC`
	rows, err := r.db.Pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Patrol
	for rows.Next() {
		var p model.Patrol
		if err := rows.Scan(&p.ID, &p.EventID, &p.PatrolCode, &p.TeamName, &p.Category, &p.Sex); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ManifestVersion returns the event's current assignment snapshot version.
func (r *RosterRepo) ManifestVersion(ctx context.Context, eventID uuid.UUID) (int64, error) {
	const q = `SELECT manifest_version FROM events WHERE id=$1`
	var v int64
	if err := r.db.Pool.QueryRow(ctx, q, eventID).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return v, nil
}
