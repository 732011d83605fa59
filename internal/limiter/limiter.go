// Package limiter throttles judge login attempts per (username, source IP).
package limiter

import (
	"context"
	"time"
)

// Limiter gates the login endpoint. Allow is consulted before password
// verification; Failure and Success report the outcome back so the limiter
// can count strikes and clear them.
type Limiter interface {
	// Allow reports whether a login attempt may proceed. When it may not,
	// the returned duration says how long the caller should wait.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)

	// Success clears the strike count after a verified login.
	Success(ctx context.Context, username string, ipHash []byte) error

	// Failure adds a strike. It reports whether this strike triggered a
	// block, and for how long.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

var _ Limiter = (*PG)(nil)
