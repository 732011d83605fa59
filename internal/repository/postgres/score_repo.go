package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

// ScoreRepo implements ScoreRepository using PostgreSQL.
type ScoreRepo struct{ db *DB }

// NewScoreRepo constructs a score repository.
func NewScoreRepo(db *DB) *ScoreRepo { return &ScoreRepo{db: db} }

// Apply performs the idempotent multi-table write for one submission.
// Row-level last-write-wins: each target row keeps the submission with the
// newest client_created_at regardless of arrival order. An incoming write
// older than the stored row is skipped, which also makes duplicate client
// event ids harmless. Everything runs in a single transaction.
func (r *ScoreRepo) Apply(ctx context.Context, w model.ScoreWrite) (score *model.StationScore, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			score = nil
		}
	}()

	if err = r.applyScore(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("score row: %w", err)
	}
	if err = r.applyPassage(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("passage row: %w", err)
	}
	if w.FinishTime != nil {
		if err = r.applyFinish(ctx, tx, w); err != nil {
			return nil, fmt.Errorf("finish row: %w", err)
		}
	}
	if err = r.applyQuiz(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("quiz row: %w", err)
	}

	score, err = scanScore(tx.QueryRow(ctx, selectScore, w.EventID, w.StationID, w.PatrolID))
	if err != nil {
		return nil, err
	}
	return score, nil
}

// newerExists locks the target row and reports whether it already carries a
// client timestamp at or past the incoming one.
func newerExists(ctx context.Context, tx pgx.Tx, sel string, w model.ScoreWrite, args ...any) (exists, newer bool, err error) {
	var storedAt time.Time
	err = tx.QueryRow(ctx, sel, args...).Scan(&storedAt)
	switch {
	case err == nil:
		return true, !storedAt.Before(w.ClientCreatedAt), nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, false, nil
	default:
		return false, false, err
	}
}

func (r *ScoreRepo) applyScore(ctx context.Context, tx pgx.Tx, w model.ScoreWrite) error {
	const sel = `SELECT client_created_at FROM station_scores WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3 FOR UPDATE`
	exists, newer, err := newerExists(ctx, tx, sel, w, w.EventID, w.StationID, w.PatrolID)
	if err != nil {
		return err
	}
	if newer {
		return nil
	}
	if exists {
		const upd = `
UPDATE station_scores
SET judge_id=$4, category=$5, points=$6, note=$7, client_event_id=$8, client_created_at=$9, updated_at=now()
WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3`
		_, err = tx.Exec(ctx, upd, w.EventID, w.StationID, w.PatrolID,
			w.JudgeID, w.Category, w.Points, w.Note, w.ClientEventID, w.ClientCreatedAt)
		return err
	}
	const ins = `
INSERT INTO station_scores
  (event_id, station_id, patrol_id, judge_id, category, points, note, client_event_id, client_created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = tx.Exec(ctx, ins, w.EventID, w.StationID, w.PatrolID,
		w.JudgeID, w.Category, w.Points, w.Note, w.ClientEventID, w.ClientCreatedAt)
	return err
}

func (r *ScoreRepo) applyPassage(ctx context.Context, tx pgx.Tx, w model.ScoreWrite) error {
	const sel = `SELECT client_created_at FROM station_passages WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3 FOR UPDATE`
	exists, newer, err := newerExists(ctx, tx, sel, w, w.EventID, w.StationID, w.PatrolID)
	if err != nil {
		return err
	}
	if newer {
		return nil
	}
	if exists {
		const upd = `
UPDATE station_passages
SET arrived_at=$4, wait_minutes=$5, client_event_id=$6, client_created_at=$7
WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3`
		_, err = tx.Exec(ctx, upd, w.EventID, w.StationID, w.PatrolID,
			w.ArrivedAt, w.WaitMinutes, w.ClientEventID, w.ClientCreatedAt)
		return err
	}
	const ins = `
INSERT INTO station_passages
  (event_id, station_id, patrol_id, arrived_at, wait_minutes, client_event_id, client_created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = tx.Exec(ctx, ins, w.EventID, w.StationID, w.PatrolID,
		w.ArrivedAt, w.WaitMinutes, w.ClientEventID, w.ClientCreatedAt)
	return err
}

func (r *ScoreRepo) applyFinish(ctx context.Context, tx pgx.Tx, w model.ScoreWrite) error {
	const sel = `SELECT client_created_at FROM finish_timings WHERE event_id=$1 AND patrol_id=$2 FOR UPDATE`
	exists, newer, err := newerExists(ctx, tx, sel, w, w.EventID, w.PatrolID)
	if err != nil {
		return err
	}
	if newer {
		return nil
	}
	if exists {
		const upd = `
UPDATE finish_timings
SET finish_time=$3, client_event_id=$4, client_created_at=$5
WHERE event_id=$1 AND patrol_id=$2`
		_, err = tx.Exec(ctx, upd, w.EventID, w.PatrolID,
			*w.FinishTime, w.ClientEventID, w.ClientCreatedAt)
		return err
	}
	const ins = `
INSERT INTO finish_timings (event_id, patrol_id, finish_time, client_event_id, client_created_at)
VALUES ($1,$2,$3,$4,$5)`
	_, err = tx.Exec(ctx, ins, w.EventID, w.PatrolID,
		*w.FinishTime, w.ClientEventID, w.ClientCreatedAt)
	return err
}

// applyQuiz upserts the quiz-response row when target scoring is on, and
// removes a stale row when it was turned off. The delete carries the same
// LWW guard so an out-of-order older submission cannot wipe newer answers.
func (r *ScoreRepo) applyQuiz(ctx context.Context, tx pgx.Tx, w model.ScoreWrite) error {
	if !w.UseTarget {
		const del = `
DELETE FROM quiz_responses
WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3 AND client_created_at<=$4`
		_, err := tx.Exec(ctx, del, w.EventID, w.StationID, w.PatrolID, w.ClientCreatedAt)
		return err
	}

	const sel = `SELECT client_created_at FROM quiz_responses WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3 FOR UPDATE`
	exists, newer, err := newerExists(ctx, tx, sel, w, w.EventID, w.StationID, w.PatrolID)
	if err != nil {
		return err
	}
	if newer {
		return nil
	}
	if exists {
		const upd = `
UPDATE quiz_responses
SET normalized_answers=$4, client_event_id=$5, client_created_at=$6
WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3`
		_, err = tx.Exec(ctx, upd, w.EventID, w.StationID, w.PatrolID,
			w.Answers, w.ClientEventID, w.ClientCreatedAt)
		return err
	}
	const ins = `
INSERT INTO quiz_responses
  (event_id, station_id, patrol_id, normalized_answers, client_event_id, client_created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = tx.Exec(ctx, ins, w.EventID, w.StationID, w.PatrolID,
		w.Answers, w.ClientEventID, w.ClientCreatedAt)
	return err
}

const selectScore = `
SELECT event_id, station_id, patrol_id, judge_id, category, points, note,
       client_event_id, client_created_at, updated_at
FROM station_scores WHERE event_id=$1 AND station_id=$2 AND patrol_id=$3`

// GetScore returns the stored score row for one patrol at one station.
func (r *ScoreRepo) GetScore(ctx context.Context, eventID, stationID, patrolID uuid.UUID) (*model.StationScore, error) {
	return scanScore(r.db.Pool.QueryRow(ctx, selectScore, eventID, stationID, patrolID))
}

func scanScore(row pgx.Row) (*model.StationScore, error) {
	var s model.StationScore
	err := row.Scan(&s.EventID, &s.StationID, &s.PatrolID, &s.JudgeID, &s.Category,
		&s.Points, &s.Note, &s.ClientEventID, &s.ClientCreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}
