package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sentineldesk/mailguard/internal/broadcast"
	"github.com/sentineldesk/mailguard/internal/classify"
	"github.com/sentineldesk/mailguard/internal/mail"
	"github.com/sentineldesk/mailguard/internal/provider"
	"github.com/sentineldesk/mailguard/internal/store"
)

// ErrNoCredential is returned when a user's session has no access token;
// the user must re-authenticate before their mailbox can be synced.
var ErrNoCredential = errors.New("session has no credential")

// AdvancePolicy controls whether the cursor moves past batches with
// per-message failures.
type AdvancePolicy string

const (
	// AdvanceAlways keeps the pipeline live: failed messages are logged,
	// skipped and lost. This is the historical behavior.
	AdvanceAlways AdvancePolicy = "always"
	// AdvanceOnSuccess holds the cursor when any message in the batch
	// failed, so the next notification retries the whole window.
	AdvanceOnSuccess AdvancePolicy = "on-success"
)

// MailboxOpener builds a provider mailbox from a stored session.
type MailboxOpener func(ctx context.Context, sess *store.Session) (provider.Mailbox, error)

// Fetcher drains the provider's history window for a user and pushes every
// new message through broadcast, classification and the store. Callers must
// serialize Sync invocations per user (see Queue).
type Fetcher struct {
	store      *store.Store
	classifier classify.Classifier
	hub        *broadcast.Hub
	open       MailboxOpener
	policy     AdvancePolicy
	logger     *slog.Logger
}

func NewFetcher(st *store.Store, classifier classify.Classifier, hub *broadcast.Hub, open MailboxOpener, policy AdvancePolicy, logger *slog.Logger) *Fetcher {
	if policy == "" {
		policy = AdvanceAlways
	}
	return &Fetcher{
		store:      st,
		classifier: classifier,
		hub:        hub,
		open:       open,
		policy:     policy,
		logger:     logger,
	}
}

// Sync fetches everything added since the user's durable baseline cursor.
// notifiedCursor is the cursor carried by the triggering notification: only
// a hint that something changed, but also what the baseline advances to once
// the batch has been attempted. Returns the number of messages processed.
func (f *Fetcher) Sync(ctx context.Context, userID, notifiedCursor string) (int, error) {
	sess, err := f.store.Session(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNoSession) {
			f.logger.Warn("notification for user without a session", "user", userID)
		}
		return 0, err
	}
	if sess.AccessToken == "" {
		f.logger.Warn("skipping sync, user requires re-authentication", "user", userID)
		return 0, ErrNoCredential
	}

	box, err := f.open(ctx, sess)
	if err != nil {
		return 0, fmt.Errorf("open mailbox: %w", err)
	}

	var ids []string
	collect := func(id string) error {
		ids = append(ids, id)
		return nil
	}

	latest, err := box.History(ctx, sess.Cursor, collect)
	if errors.Is(err, provider.ErrStaleCursor) {
		// Accepted data-loss edge case: everything between the stale
		// baseline and the notified cursor is unrecoverable.
		f.logger.Error("baseline cursor too old, resuming from notified cursor; messages may be lost",
			"user", userID, "baseline", sess.Cursor, "notified", notifiedCursor)
		ids = nil
		latest, err = box.History(ctx, notifiedCursor, collect)
	}
	if err != nil {
		return 0, fmt.Errorf("history since %s: %w", sess.Cursor, err)
	}

	// A watch re-registered while we were listing history owns the cursor
	// now; this batch belongs to a dead subscription.
	if current, err := f.store.Session(ctx, userID); err != nil || current.Epoch != sess.Epoch {
		f.logger.Info("subscription superseded mid-sync, discarding batch", "user", userID)
		return 0, nil
	}

	processed, failed := 0, 0
	for _, id := range ids {
		category, known, err := f.store.Category(ctx, userID, id)
		if err != nil {
			f.logger.Warn("skipping message, store read failed", "user", userID, "message", id, "error", err)
			failed++
			continue
		}
		if known && category != mail.CategoryPending {
			// Duplicate delivery of an already-classified message.
			continue
		}

		msg, err := box.GetMessage(ctx, id)
		if err != nil {
			f.logger.Warn("skipping message, fetch failed", "user", userID, "message", id, "error", err)
			failed++
			continue
		}

		if !known {
			// Early broadcast so the UI shows the message before the
			// classifier has had its say.
			f.hub.Publish(userID, broadcast.EventNewEmail, msg)
		}

		rec := f.classifier.Classify(ctx, userID, *msg)
		if err := f.store.Upsert(ctx, userID, rec); err != nil {
			f.logger.Warn("skipping message, store write failed", "user", userID, "message", id, "error", err)
			failed++
			continue
		}
		processed++
	}

	next := notifiedCursor
	if next == "" {
		next = latest
	}

	if f.policy == AdvanceOnSuccess && failed > 0 {
		f.logger.Warn("holding cursor, batch had failures",
			"user", userID, "processed", processed, "failed", failed, "cursor", sess.Cursor)
		return processed, nil
	}

	advanced, err := f.store.AdvanceCursor(ctx, userID, next, sess.Epoch)
	if err != nil {
		if errors.Is(err, store.ErrEpochSuperseded) {
			f.logger.Info("cursor write refused, subscription superseded", "user", userID)
			return processed, nil
		}
		return processed, fmt.Errorf("advance cursor: %w", err)
	}

	f.logger.Info("sync complete",
		"user", userID, "processed", processed, "failed", failed,
		"cursor", next, "advanced", advanced)
	return processed, nil
}
