// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/model"
)

// JudgeRepository provides read access to judge accounts. Accounts are
// provisioned by the roster import jobs, which are outside this service.
type JudgeRepository interface {
	// GetByUsername loads a judge by username.
	GetByUsername(ctx context.Context, username string) (*model.Judge, error)
	// GetByID loads a judge by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Judge, error)
}
