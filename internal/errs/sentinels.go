// Package errs defines the sentinel errors and wire error codes the
// repository, service, and transport layers agree on.
package errs

import "errors"

// Sentinels crossing the repo/service boundary. The HTTP edge translates
// them to statuses; the sync client translates statuses back to outbox
// states, so these have to stay stable.
var (
	// ErrNotFound: the row or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized: credentials did not verify.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden: no assignment covers the target station/event.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited: login temporarily blocked by the limiter.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists: a uniqueness constraint fired.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSessionRevoked: the session was invalidated server-side, for
	// instance after refresh-token reuse.
	ErrSessionRevoked = errors.New("session revoked")
)
