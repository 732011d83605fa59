package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

// JudgeRepo implements JudgeRepository using PostgreSQL.
type JudgeRepo struct{ db *DB }

// NewJudgeRepo constructs a judge repository.
func NewJudgeRepo(db *DB) *JudgeRepo { return &JudgeRepo{db: db} }

// GetByUsername selects a judge by username.
func (r *JudgeRepo) GetByUsername(ctx context.Context, username string) (*model.Judge, error) {
	const q = `
SELECT id, username, pwd_hash, salt_auth, created_at
FROM judges WHERE username=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, username))
}

// GetByID selects a judge by ID.
func (r *JudgeRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Judge, error) {
	const q = `
SELECT id, username, pwd_hash, salt_auth, created_at
FROM judges WHERE id=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, id))
}

func (r *JudgeRepo) scanOne(row pgx.Row) (*model.Judge, error) {
	var j model.Judge
	if err := row.Scan(&j.ID, &j.Username, &j.PwdHash, &j.SaltAuth, &j.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}
