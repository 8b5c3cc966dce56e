package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrNoSession is returned when a user has no registered watch session.
	ErrNoSession = errors.New("no session for user")

	// ErrEpochSuperseded is returned when a cursor write is attempted on
	// behalf of a subscription that has since been re-registered.
	ErrEpochSuperseded = errors.New("subscription epoch superseded")
)

// Session is the durable per-user sync state: the provider credential, the
// last-processed cursor and the subscription epoch it belongs to.
type Session struct {
	UserID         string
	Provider       string
	AccessToken    string
	Cursor         string
	SubscriptionID string
	Epoch          int64
	WatchExpiry    time.Time
}

// Session loads the sync state for a user.
func (s *Store) Session(ctx context.Context, userID string) (*Session, error) {
	var (
		sess   Session
		expiry int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, access_token, cursor, subscription_id, epoch, watch_expiry
		FROM sessions WHERE user_id = ?
	`, userID).Scan(&sess.UserID, &sess.Provider, &sess.AccessToken, &sess.Cursor, &sess.SubscriptionID, &sess.Epoch, &expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.WatchExpiry = time.Unix(expiry, 0)
	return &sess, nil
}

// SaveBaseline records a freshly registered watch: credential, baseline
// cursor, the provider's subscription handle and expiry. Re-registration
// overwrites the prior baseline and bumps the epoch so in-flight batches
// keyed to the old subscription are discarded. Returns the new epoch.
func (s *Store) SaveBaseline(ctx context.Context, userID, provider, accessToken, cursor, subscriptionID string, expiry time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	epoch := int64(1)
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT epoch FROM sessions WHERE user_id = ?`, userID).Scan(&current)
	switch {
	case err == nil:
		epoch = current + 1
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("failed to read epoch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, provider, access_token, cursor, subscription_id, epoch, watch_expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			cursor = excluded.cursor,
			subscription_id = excluded.subscription_id,
			epoch = excluded.epoch,
			watch_expiry = excluded.watch_expiry,
			updated_at = excluded.updated_at
	`, userID, provider, accessToken, cursor, subscriptionID, epoch, expiry.Unix(), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to save baseline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit baseline: %w", err)
	}
	return epoch, nil
}

// AdvanceCursor moves the last-processed cursor forward. The write is
// refused when the session's epoch no longer matches (the watch was
// re-registered mid-batch) and silently skipped when the new cursor does not
// advance past the stored one. Returns whether the cursor moved.
func (s *Store) AdvanceCursor(ctx context.Context, userID, cursor string, epoch int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		current      string
		currentEpoch int64
	)
	err = tx.QueryRowContext(ctx, `SELECT cursor, epoch FROM sessions WHERE user_id = ?`, userID).Scan(&current, &currentEpoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNoSession
		}
		return false, fmt.Errorf("failed to read cursor: %w", err)
	}

	if currentEpoch != epoch {
		return false, ErrEpochSuperseded
	}
	if !cursorAdvances(current, cursor) {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET cursor = ?, updated_at = ? WHERE user_id = ?
	`, cursor, time.Now().Unix(), userID)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cursor: %w", err)
	}
	return true, nil
}

// DeleteSession removes a user's session on explicit unsubscribe.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// cursorAdvances reports whether next moves the cursor forward. Gmail history
// ids compare numerically; Graph cursors are RFC 3339 timestamps whose
// lexical order matches chronological order.
func cursorAdvances(current, next string) bool {
	if next == "" {
		return false
	}
	if current == "" {
		return true
	}
	a, errA := strconv.ParseUint(current, 10, 64)
	b, errB := strconv.ParseUint(next, 10, 64)
	if errA == nil && errB == nil {
		return b > a
	}
	return next > current
}
