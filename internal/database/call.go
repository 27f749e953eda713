package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/damso/damso/internal/database/models"
	"github.com/lib/pq"
)

const callColumns = `id, room_name, caller_user_id, callee_user_id, caller_identity, callee_identity,
	state, created_at, answered_at, ended_at`

func scanCall(row interface{ Scan(...any) error }) (*models.Call, error) {
	var c models.Call
	if err := row.Scan(&c.ID, &c.RoomName, &c.CallerUserID, &c.CalleeUserID,
		&c.CallerIdentity, &c.CalleeIdentity, &c.State, &c.CreatedAt,
		&c.AnsweredAt, &c.EndedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// CreateRinging inserts call as a new ringing row unless the same callee
// already has a ringing call in the same room younger than window. In that
// case call is overwritten with the existing row and deduped is true.
//
// The lookup and insert run in one transaction holding an advisory lock on
// (callee, room), so concurrent invites for the same pair serialize and only
// one row is created.
func (r *callRepo) CreateRinging(ctx context.Context, call *models.Call, window time.Duration) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning invite transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockKey := call.CalleeIdentity + "\x00" + call.RoomName
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return false, fmt.Errorf("locking invite key: %w", err)
	}

	existing, err := scanCall(tx.QueryRowContext(ctx,
		`SELECT `+callColumns+`
		 FROM calls
		 WHERE callee_identity = $1
		   AND room_name = $2
		   AND state = 'ringing'
		   AND created_at > NOW() - make_interval(secs => $3)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		call.CalleeIdentity, call.RoomName, window.Seconds(),
	))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing invite lookup: %w", err)
		}
		*call = *existing
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("querying ringing call: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO calls (id, room_name, caller_user_id, callee_user_id, caller_identity, callee_identity, state)
		 VALUES ($1, $2, $3, $4, $5, $6, 'ringing')
		 RETURNING state, created_at`,
		call.ID, call.RoomName, call.CallerUserID, call.CalleeUserID,
		call.CallerIdentity, call.CalleeIdentity,
	).Scan(&call.State, &call.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting call: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing invite: %w", err)
	}
	return false, nil
}

// transitionColumns maps a target state to the timestamp it stamps.
var transitionColumns = map[string]string{
	models.CallStateAnswered: "answered_at",
	models.CallStateEnded:    "ended_at",
}

// Transition moves the call to state to if its current state is one of from,
// stamping the matching timestamp. Returns nil, nil when no row matched,
// either because the call does not exist or because it is in another state.
func (r *callRepo) Transition(ctx context.Context, id, to string, from ...string) (*models.Call, error) {
	col, ok := transitionColumns[to]
	if !ok {
		return nil, fmt.Errorf("no transition into state %q", to)
	}

	c, err := scanCall(r.db.QueryRowContext(ctx,
		`UPDATE calls
		 SET state = $2, `+col+` = NOW()
		 WHERE id = $1 AND state = ANY($3)
		 RETURNING `+callColumns,
		id, to, pq.Array(from),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating call state: %w", err)
	}
	return c, nil
}

// GetByID returns a call by ID. Returns nil, nil if not found.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call: %w", err)
	}
	return c, nil
}

// GetWithWardInfo returns the call joined with the callee's ward and
// guardian. Returns nil, nil if the call does not exist.
func (r *callRepo) GetWithWardInfo(ctx context.Context, id string) (*models.CallWardInfo, error) {
	var info models.CallWardInfo
	err := r.db.QueryRowContext(ctx,
		`SELECT c.id, c.callee_user_id, c.callee_identity,
		        w.id, w.ai_persona, w.guardian_id, g.user_id, gu.identity
		 FROM calls c
		 LEFT JOIN wards w ON c.callee_user_id = w.user_id
		 LEFT JOIN guardians g ON w.guardian_id = g.id
		 LEFT JOIN users gu ON g.user_id = gu.id
		 WHERE c.id = $1`, id,
	).Scan(&info.CallID, &info.CalleeUserID, &info.CalleeIdentity,
		&info.WardID, &info.WardAIPersona, &info.GuardianID,
		&info.GuardianUserID, &info.GuardianIdentity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call ward info: %w", err)
	}
	return &info, nil
}

// GetForAnalysis returns what the analyzer needs for a call. Duration is in
// minutes and nil unless the call was answered and ended. Returns nil, nil if
// the call does not exist.
func (r *callRepo) GetForAnalysis(ctx context.Context, id string) (*models.CallAnalysisInput, error) {
	var in models.CallAnalysisInput
	err := r.db.QueryRowContext(ctx,
		`SELECT c.id, c.callee_user_id, w.id, w.guardian_id,
		        EXTRACT(EPOCH FROM (c.ended_at - c.answered_at)) / 60
		 FROM calls c
		 LEFT JOIN wards w ON c.callee_user_id = w.user_id
		 WHERE c.id = $1`, id,
	).Scan(&in.CallID, &in.CalleeUserID, &in.WardID, &in.GuardianID, &in.DurationMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call for analysis: %w", err)
	}
	return &in, nil
}

// CountByState returns the number of calls in each state.
func (r *callRepo) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM calls GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning call count row: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
