package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/trailband/stationsync/internal/errs"
	"github.com/trailband/stationsync/internal/model"
)

// Outbox is a persistent keyed collection of pending submissions, one row
// per client event id. It is the sole authority on retry decisions: the
// transport reports outcomes, the outbox decides what happens next.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// WithClock replaces the time source. Tests only.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Enqueue persists an entry with state=queued before any network attempt.
// Writing an existing client event id overwrites rather than duplicates.
func (o *Outbox) Enqueue(ctx context.Context, env model.SubmissionEnvelope, canonical []byte, signature string, clientEventID uuid.UUID, clientCreatedAt time.Time) error {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	now := o.now()
	const q = `
INSERT INTO outbox_entries
  (client_event_id, client_created_at, event_id, station_id, envelope, canonical, signature,
   state, attempts, last_error, error_category, network_error, next_attempt_at, created_at)
VALUES (?,?,?,?,?,?,?,?,0,'','',0,?,?)
ON CONFLICT(client_event_id) DO UPDATE SET
  envelope=excluded.envelope, canonical=excluded.canonical, signature=excluded.signature,
  state=excluded.state, attempts=0, last_error='', error_category='', network_error=0,
  next_attempt_at=excluded.next_attempt_at`
	_, err = o.db.ExecContext(ctx, q,
		clientEventID.String(), clientCreatedAt.UTC(), env.EventID.String(), env.StationID.String(),
		string(envJSON), canonical, signature, model.StateQueued, now, now)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// SelectForSend atomically picks up to batch due entries in the given
// (event, station) scope and transitions them to sending. Entries already
// sending, or parked on a terminal error category, are skipped, which makes
// concurrent flush invocations a no-op for in-flight rows.
func (o *Outbox) SelectForSend(ctx context.Context, eventID, stationID uuid.UUID, batch int) (out []model.OutboxEntry, err error) {
	if batch <= 0 {
		return nil, nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	const sel = selectColumns + `
FROM outbox_entries
WHERE event_id=? AND station_id=?
  AND state IN (?,?)
  AND (error_category='' OR error_category=?)
  AND next_attempt_at<=?
ORDER BY created_at ASC
LIMIT ?`
	rows, err := tx.QueryContext(ctx, sel,
		eventID.String(), stationID.String(),
		model.StateQueued, model.StateFailed, errs.CategoryTransient, o.now(), batch)
	if err != nil {
		return nil, err
	}
	out, err = scanEntries(rows)
	if err != nil {
		return nil, err
	}

	for i := range out {
		if _, err = tx.ExecContext(ctx,
			`UPDATE outbox_entries SET state=? WHERE client_event_id=?`,
			model.StateSending, out[i].ClientEventID.String()); err != nil {
			return nil, err
		}
		out[i].State = model.StateSending
	}
	return out, nil
}

// MarkSent records a confirmed delivery. Only sent entries may be purged.
func (o *Outbox) MarkSent(ctx context.Context, clientEventID uuid.UUID) error {
	return o.execOne(ctx,
		`UPDATE outbox_entries SET state=?, last_error='', error_category='', network_error=0 WHERE client_event_id=?`,
		model.StateSent, clientEventID.String())
}

// MarkFailed records a failed attempt. Transient failures get an
// exponential next-attempt delay; terminal categories park the entry until
// the operator (or a token refresh) intervenes.
func (o *Outbox) MarkFailed(ctx context.Context, clientEventID uuid.UUID, lastError string, category errs.Category, network bool) error {
	var attempts int
	err := o.db.QueryRowContext(ctx,
		`SELECT attempts FROM outbox_entries WHERE client_event_id=?`,
		clientEventID.String()).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return errs.ErrNotFound
		}
		return err
	}
	attempts++
	next := o.now()
	if category == errs.CategoryTransient {
		next = next.Add(Delay(attempts))
	}
	netFlag := 0
	if network {
		netFlag = 1
	}
	return o.execOne(ctx, `
UPDATE outbox_entries
SET state=?, attempts=?, last_error=?, error_category=?, network_error=?, next_attempt_at=?
WHERE client_event_id=?`,
		model.StateFailed, attempts, lastError, string(category), netFlag, next, clientEventID.String())
}

// MarkNeedsAuth parks an entry until a fresh access token is obtained.
func (o *Outbox) MarkNeedsAuth(ctx context.Context, clientEventID uuid.UUID, lastError string) error {
	return o.execOne(ctx,
		`UPDATE outbox_entries SET state=?, last_error=?, error_category=? WHERE client_event_id=?`,
		model.StateNeedsAuth, lastError, errs.CategoryAuth, clientEventID.String())
}

// MarkBlocked parks an entry rejected for another session. Terminal;
// surfaced to the judge, never retried automatically.
func (o *Outbox) MarkBlocked(ctx context.Context, clientEventID uuid.UUID, lastError string) error {
	return o.execOne(ctx,
		`UPDATE outbox_entries SET state=?, last_error=?, error_category=? WHERE client_event_id=?`,
		model.StateBlockedOther, lastError, errs.CategoryAuthorization, clientEventID.String())
}

// RequeueNeedsAuth returns needs_auth entries in scope to the queue after a
// successful token refresh.
func (o *Outbox) RequeueNeedsAuth(ctx context.Context, eventID, stationID uuid.UUID) error {
	return o.exec(ctx, `
UPDATE outbox_entries
SET state=?, error_category='', next_attempt_at=?
WHERE event_id=? AND station_id=? AND state=?`,
		model.StateQueued, o.now(), eventID.String(), stationID.String(), model.StateNeedsAuth)
}

// ClearNetworkBackoff makes entries that failed on a network error
// immediately due again. Called on connectivity restoration so recovery
// does not wait out the scheduled delay.
func (o *Outbox) ClearNetworkBackoff(ctx context.Context, eventID, stationID uuid.UUID) error {
	return o.exec(ctx, `
UPDATE outbox_entries
SET next_attempt_at=?
WHERE event_id=? AND station_id=? AND state=? AND network_error=1`,
		o.now(), eventID.String(), stationID.String(), model.StateFailed)
}

// ReleaseStuckSending returns sending entries to the queue. Called on
// process start: a crash mid-send leaves rows in sending forever otherwise;
// resending is safe because the server is idempotent per client event id.
func (o *Outbox) ReleaseStuckSending(ctx context.Context, eventID, stationID uuid.UUID) error {
	return o.exec(ctx, `
UPDATE outbox_entries
SET state=?, next_attempt_at=?
WHERE event_id=? AND station_id=? AND state=?`,
		model.StateQueued, o.now(), eventID.String(), stationID.String(), model.StateSending)
}

// Counts returns the number of entries per state in scope.
func (o *Outbox) Counts(ctx context.Context, eventID, stationID uuid.UUID) (map[model.OutboxState]int, error) {
	rows, err := o.db.QueryContext(ctx, `
SELECT state, COUNT(*) FROM outbox_entries
WHERE event_id=? AND station_id=?
GROUP BY state`, eventID.String(), stationID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.OutboxState]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.OutboxState(st)] = n
	}
	return out, rows.Err()
}

// NextRetryAt reports the earliest scheduled attempt among retryable
// entries in scope.
func (o *Outbox) NextRetryAt(ctx context.Context, eventID, stationID uuid.UUID) (time.Time, bool, error) {
	var at sql.NullTime
	err := o.db.QueryRowContext(ctx, `
SELECT MIN(next_attempt_at) FROM outbox_entries
WHERE event_id=? AND station_id=? AND state IN (?,?)
  AND (error_category='' OR error_category=?)`,
		eventID.String(), stationID.String(),
		model.StateQueued, model.StateFailed, errs.CategoryTransient).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return at.Time, true, nil
}

// List returns every entry in scope, oldest first, for the status UI.
func (o *Outbox) List(ctx context.Context, eventID, stationID uuid.UUID) ([]model.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, selectColumns+`
FROM outbox_entries
WHERE event_id=? AND station_id=?
ORDER BY created_at ASC`, eventID.String(), stationID.String())
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Get returns a single entry by client event id.
func (o *Outbox) Get(ctx context.Context, clientEventID uuid.UUID) (*model.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, selectColumns+`
FROM outbox_entries WHERE client_event_id=?`, clientEventID.String())
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errs.ErrNotFound
	}
	return &entries[0], nil
}

// PurgeSent deletes confirmed entries in scope. Sent, and only sent,
// entries are eligible.
func (o *Outbox) PurgeSent(ctx context.Context, eventID, stationID uuid.UUID) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox_entries WHERE event_id=? AND station_id=? AND state=?`,
		eventID.String(), stationID.String(), model.StateSent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// exec runs a scoped (possibly zero-row) update.
func (o *Outbox) exec(ctx context.Context, q string, args ...any) error {
	_, err := o.db.ExecContext(ctx, q, args...)
	return err
}

// execOne runs a single-entry update and reports a missing entry.
func (o *Outbox) execOne(ctx context.Context, q string, args ...any) error {
	res, err := o.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

const selectColumns = `
SELECT client_event_id, client_created_at, event_id, station_id, envelope, canonical,
       signature, state, attempts, last_error, error_category, network_error,
       next_attempt_at, created_at`

func scanEntries(rows *sql.Rows) ([]model.OutboxEntry, error) {
	defer rows.Close()
	var out []model.OutboxEntry
	for rows.Next() {
		var (
			e                       model.OutboxEntry
			idStr, evStr, stStr, st string
			envJSON, category       string
			netFlag                 int
		)
		if err := rows.Scan(&idStr, &e.ClientCreatedAt, &evStr, &stStr, &envJSON, &e.CanonicalBytes,
			&e.Signature, &st, &e.Attempts, &e.LastError, &category, &netFlag,
			&e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if e.ClientEventID, err = uuid.FromString(idStr); err != nil {
			return nil, fmt.Errorf("bad client_event_id %q: %w", idStr, err)
		}
		if e.EventID, err = uuid.FromString(evStr); err != nil {
			return nil, err
		}
		if e.StationID, err = uuid.FromString(stStr); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(envJSON), &e.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		e.State = model.OutboxState(st)
		e.ErrorCategory = category
		e.NetworkError = netFlag != 0
		e.ClientCreatedAt = e.ClientCreatedAt.UTC()
		e.NextAttemptAt = e.NextAttemptAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
