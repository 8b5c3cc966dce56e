package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentineldesk/mailguard/internal/auth"
	"github.com/sentineldesk/mailguard/internal/mail"
)

// Name identifies a mailbox provider.
type Name string

const (
	NameGoogle    Name = "google"
	NameMicrosoft Name = "microsoft"
)

// ErrStaleCursor is returned by History when the provider rejects the
// baseline cursor as too old to query. The caller degrades to the
// notification-supplied cursor and accepts a possible message gap.
var ErrStaleCursor = errors.New("cursor too old for incremental history")

// WatchInfo is the result of registering a push subscription: the baseline
// cursor all later incremental fetches are defined against, when the
// subscription lapses, and the provider's handle for cancelling it (empty for
// providers whose subscriptions are account-scoped).
type WatchInfo struct {
	Cursor         string    `json:"cursor"`
	Expiry         time.Time `json:"expiry"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
}

// Mailbox is a provider-agnostic mailbox bound to one user's credential.
type Mailbox interface {
	// Watch registers a push subscription and returns its baseline cursor.
	Watch(ctx context.Context) (*WatchInfo, error)

	// StopWatch cancels the push subscription. subscriptionID is the handle
	// Watch returned, loaded back from the session store; providers with
	// account-scoped subscriptions ignore it.
	StopWatch(ctx context.Context, subscriptionID string) error

	// History calls fn with the id of every message added at or after
	// sinceCursor, paginating until the provider reports no more pages,
	// and returns the latest cursor observed.
	History(ctx context.Context, sinceCursor string, fn func(messageID string) error) (string, error)

	// GetMessage fetches one full message.
	GetMessage(ctx context.Context, id string) (*mail.Message, error)
}

// Factory creates a Mailbox for a user credential. userID is the mailbox
// owner's address; Gmail ignores it (the token scopes the mailbox), Graph
// needs it as the user principal.
type Factory func(ctx context.Context, tok *auth.Token, name Name, userID string) (Mailbox, error)

// UnsupportedError reports a provider name the factory cannot build.
type UnsupportedError struct {
	Name Name
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Name)
}
