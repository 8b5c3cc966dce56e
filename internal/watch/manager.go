package watch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sentineldesk/mailguard/internal/auth"
	"github.com/sentineldesk/mailguard/internal/provider"
	"github.com/sentineldesk/mailguard/internal/store"
)

// Manager establishes and cancels provider-side push subscriptions and owns
// the baseline cursor hand-off into the session store.
type Manager struct {
	store   *store.Store
	tokens  *auth.TokenClient
	factory provider.Factory
	logger  *slog.Logger
}

func NewManager(st *store.Store, tokens *auth.TokenClient, factory provider.Factory, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		tokens:  tokens,
		factory: factory,
		logger:  logger,
	}
}

// Register creates the provider subscription and persists its baseline
// cursor before returning, so no notification can legitimately reference a
// cursor the store has not seen. Provider failure is fatal to the caller and
// leaves no partial state. Re-registration bumps the subscription epoch,
// invalidating in-flight batches keyed to the old baseline.
func (m *Manager) Register(ctx context.Context, user *auth.User, userJWT string, name provider.Name) (*provider.WatchInfo, error) {
	if user.Email == "" {
		return nil, fmt.Errorf("user has no email address")
	}
	authProvider, err := mapProvider(name)
	if err != nil {
		return nil, err
	}

	tok, err := m.tokens.GetToken(ctx, userJWT, authProvider)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	box, err := m.factory(ctx, tok, name, user.Email)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	info, err := box.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	epoch, err := m.store.SaveBaseline(ctx, user.Email, string(name), tok.AccessToken, info.Cursor, info.SubscriptionID, info.Expiry)
	if err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}

	m.logger.Info("watch registered",
		"user", user.Email, "provider", name, "cursor", info.Cursor,
		"expiry", info.Expiry, "epoch", epoch)
	return info, nil
}

// Cancel stops the provider subscription and removes the user's session. The
// subscription handle comes from the session row, not adapter state: the
// adapter that created the subscription is long gone by cancel time.
func (m *Manager) Cancel(ctx context.Context, user *auth.User, userJWT string, name provider.Name) error {
	authProvider, err := mapProvider(name)
	if err != nil {
		return err
	}

	sess, err := m.store.Session(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	tok, err := m.tokens.GetToken(ctx, userJWT, authProvider)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	box, err := m.factory(ctx, tok, name, user.Email)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	if err := box.StopWatch(ctx, sess.SubscriptionID); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}

	if err := m.store.DeleteSession(ctx, user.Email); err != nil {
		return err
	}

	m.logger.Info("watch cancelled", "user", user.Email, "provider", name)
	return nil
}

func mapProvider(name provider.Name) (auth.Provider, error) {
	switch name {
	case provider.NameGoogle:
		return auth.ProviderGoogle, nil
	case provider.NameMicrosoft:
		return auth.ProviderMicrosoft, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", name)
	}
}
