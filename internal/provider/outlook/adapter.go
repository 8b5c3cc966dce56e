package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/sentineldesk/mailguard/internal/auth"
	"github.com/sentineldesk/mailguard/internal/mail"
	"github.com/sentineldesk/mailguard/internal/provider"
)

// Adapter implements provider.Mailbox for Outlook over Microsoft Graph.
// Graph has no history ids; cursors are receivedDateTime values in RFC 3339,
// which order lexically the same as chronologically.
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	userID    string
	notifyURL string
}

// New creates an Outlook adapter bound to one user's token. notifyURL is
// where Graph delivers change notifications.
func New(ctx context.Context, tok *auth.Token, userID, notifyURL string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client:    client,
		userID:    userID,
		notifyURL: notifyURL,
	}, nil
}

// Watch creates a Graph change subscription on the inbox.
func (a *Adapter) Watch(ctx context.Context) (*provider.WatchInfo, error) {
	sub := models.NewSubscription()
	sub.SetChangeType(strPtr("created"))
	sub.SetNotificationUrl(&a.notifyURL)
	sub.SetResource(strPtr(fmt.Sprintf("users/%s/mailFolders('inbox')/messages", a.userID)))
	expiry := time.Now().Add(72 * time.Hour).UTC()
	sub.SetExpirationDateTime(&expiry)

	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	var subscriptionID string
	if id := created.GetId(); id != nil {
		subscriptionID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		expiry = *exp
	}

	return &provider.WatchInfo{
		Cursor:         time.Now().UTC().Format(time.RFC3339),
		Expiry:         expiry,
		SubscriptionID: subscriptionID,
	}, nil
}

// StopWatch deletes the Graph change subscription created by Watch. The id
// comes back from the session store; a fresh adapter holds no state of its
// own.
func (a *Adapter) StopWatch(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("no active subscription")
	}
	if err := a.client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// History lists messages received after sinceCursor, oldest first, following
// @odata.nextLink until Graph reports no more pages.
func (a *Adapter) History(ctx context.Context, sinceCursor string, fn func(messageID string) error) (string, error) {
	if _, err := time.Parse(time.RFC3339, sinceCursor); err != nil {
		return "", fmt.Errorf("invalid cursor %q: %w", sinceCursor, err)
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(100),
			Filter:  strPtr(fmt.Sprintf("receivedDateTime gt %s", sinceCursor)),
			Orderby: []string{"receivedDateTime asc"},
			Select:  []string{"id", "receivedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return "", fmt.Errorf("failed to list messages: %w", err)
	}

	pager, err := msgraphcore.NewPageIterator[models.Messageable](result, a.client.GetAdapter(),
		models.CreateMessageCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return "", fmt.Errorf("failed to page messages: %w", err)
	}

	latest := sinceCursor
	var fnErr error
	err = pager.Iterate(ctx, func(msg models.Messageable) bool {
		id := msg.GetId()
		if id == nil {
			return true
		}
		if err := fn(*id); err != nil {
			fnErr = err
			return false
		}
		if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
			latest = rcvd.UTC().Format(time.RFC3339)
		}
		return true
	})
	if fnErr != nil {
		return "", fnErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to iterate messages: %w", err)
	}

	return latest, nil
}

// GetMessage fetches one message with its body.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "subject", "from", "bodyPreview", "body", "receivedDateTime"},
		},
	}

	m, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	msg := &mail.Message{ID: id}

	if mid := m.GetId(); mid != nil {
		msg.ID = *mid
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.Sender = *addr
			}
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			msg.Body = *content
		}
	}
	if msg.Body == "" {
		msg.Body = msg.Snippet
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}

	return msg, nil
}

// staticTokenCredential implements the Azure credential interface around an
// already-issued access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func strPtr(s string) *string {
	return &s
}

func int32Ptr(i int32) *int32 {
	return &i
}
