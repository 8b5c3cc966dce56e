package ingest

import (
	"context"
	"log/slog"

	"github.com/sentineldesk/mailguard/internal/broadcast"
	"github.com/sentineldesk/mailguard/internal/store"
)

// Handler is the processing side of the push endpoint. The HTTP layer
// acknowledges first; Notify only classifies the payload and hands work to
// detached background execution, so nothing here can delay or fail the ack.
type Handler struct {
	ctx     context.Context
	queue   *Queue
	fetcher *Fetcher
	store   *store.Store
	hub     *broadcast.Hub
	logger  *slog.Logger
}

func NewHandler(ctx context.Context, queue *Queue, fetcher *Fetcher, st *store.Store, hub *broadcast.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		ctx:     ctx,
		queue:   queue,
		fetcher: fetcher,
		store:   st,
		hub:     hub,
		logger:  logger,
	}
}

// Notify dispatches one push payload. Malformed or unaddressed payloads are
// dropped: the pusher has no way to fix them, so retrying is pointless.
func (h *Handler) Notify(body []byte) {
	n, err := DecodeNotification(body)
	if err != nil {
		h.logger.Warn("dropping undeliverable notification", "error", err)
		return
	}

	switch n.Kind {
	case KindMailboxChange:
		// Per-user queue: overlapping notifications for the same user
		// must not race on the cursor.
		cursor := n.Cursor
		userID := n.UserID
		h.queue.Enqueue(userID, func(ctx context.Context) {
			if _, err := h.fetcher.Sync(ctx, userID, cursor); err != nil {
				h.logger.Error("sync failed", "user", userID, "error", err)
			}
		})
	case KindStoreChange:
		// Store changes never touch the cursor, so they are free to
		// interleave with mailbox syncs for the same user.
		go h.BroadcastClassifications(h.ctx, n.UserID)
	}
}

// BroadcastClassifications re-reads the user's current classification list
// and fans it out. The triggering signal's contents are never trusted; the
// store is re-read every time since signal ordering is not guaranteed.
func (h *Handler) BroadcastClassifications(ctx context.Context, userID string) {
	records, err := h.store.Classifications(ctx, userID)
	if err != nil {
		h.logger.Error("failed to read classifications for broadcast", "user", userID, "error", err)
		return
	}
	h.hub.Publish(userID, broadcast.EventClassificationUpdate, records)
}
