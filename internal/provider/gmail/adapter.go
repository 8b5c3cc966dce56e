package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sentineldesk/mailguard/internal/auth"
	"github.com/sentineldesk/mailguard/internal/mail"
	"github.com/sentineldesk/mailguard/internal/provider"
)

// Adapter implements provider.Mailbox for Gmail. Cursors are history ids.
type Adapter struct {
	svc   *gmail.Service
	topic string
}

// New creates a Gmail adapter bound to one user's token. topic is the
// Pub/Sub topic watch notifications are delivered through.
func New(ctx context.Context, tok *auth.Token, topic string) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, topic: topic}, nil
}

// Watch registers the inbox for push notifications. The returned history id
// is the baseline every later incremental fetch is defined against.
func (a *Adapter) Watch(ctx context.Context) (*provider.WatchInfo, error) {
	resp, err := a.svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	return &provider.WatchInfo{
		Cursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiry: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch cancels push notifications for the inbox. Gmail watches are
// account-scoped, so the subscription id is unused.
func (a *Adapter) StopWatch(ctx context.Context, _ string) error {
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// History pages through message-added history records at or after
// sinceCursor. Returns provider.ErrStaleCursor when Gmail no longer holds
// history for the given id.
func (a *Adapter) History(ctx context.Context, sinceCursor string, fn func(messageID string) error) (string, error) {
	start, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid history cursor %q: %w", sinceCursor, err)
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(100)

	latest := start
	seen := make(map[string]bool)

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				id := added.Message.Id
				if seen[id] {
					continue
				}
				seen[id] = true
				if err := fn(id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if isStaleHistory(err) {
			return "", provider.ErrStaleCursor
		}
		return "", fmt.Errorf("failed to list history: %w", err)
	}

	return strconv.FormatUint(latest, 10), nil
}

// GetMessage fetches the full message and extracts its plain-text body.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	body := textPlain(m.Payload)
	if body == "" {
		body = m.Snippet
	}

	return &mail.Message{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Sender:     headers["From"],
		Subject:    headers["Subject"],
		Snippet:    m.Snippet,
		Body:       body,
		ReceivedAt: time.UnixMilli(m.InternalDate),
	}, nil
}

// textPlain walks the MIME tree for the first text/plain part.
func textPlain(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body != nil && p.Body.Data != "" {
		if decoded, err := decodeBody(p.Body.Data); err == nil {
			return decoded
		}
	}
	for _, part := range p.Parts {
		if text := textPlain(part); text != "" {
			return text
		}
	}
	return ""
}

// decodeBody handles Gmail's base64url bodies with or without padding.
func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// isStaleHistory detects Gmail's "historyId too old" rejection, which
// surfaces as a 404 on history.list.
func isStaleHistory(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return false
}
