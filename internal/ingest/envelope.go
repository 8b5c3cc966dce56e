package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NotificationKind distinguishes the two push payloads the endpoint accepts.
type NotificationKind string

const (
	KindMailboxChange NotificationKind = "mailbox_change"
	KindStoreChange   NotificationKind = "store_change"
)

// ErrUnaddressed marks a payload that decodes but names no user. The pusher
// cannot fix it, so it is acknowledged and dropped, never retried.
var ErrUnaddressed = errors.New("notification does not identify a user")

// Notification is a decoded push payload.
type Notification struct {
	Kind   NotificationKind
	UserID string
	Cursor string
}

// pushEnvelope is the Pub/Sub push wrapper around both payload kinds.
type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// mailboxChange is the provider's mailbox-change payload.
type mailboxChange struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// storeChange is the storage layer's object-change payload. Objects are
// named "<user>/classifications.json".
type storeChange struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
}

// DecodeNotification unwraps a push envelope and classifies its payload.
func DecodeNotification(body []byte) (*Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, errors.New("envelope has no message data")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid message data: %w", err)
	}

	var mc mailboxChange
	if err := json.Unmarshal(raw, &mc); err == nil && mc.HistoryID > 0 {
		if mc.EmailAddress == "" {
			return nil, ErrUnaddressed
		}
		return &Notification{
			Kind:   KindMailboxChange,
			UserID: mc.EmailAddress,
			Cursor: fmt.Sprintf("%d", mc.HistoryID),
		}, nil
	}

	var sc storeChange
	if err := json.Unmarshal(raw, &sc); err == nil && sc.Name != "" {
		user, _, ok := strings.Cut(sc.Name, "/")
		if !ok || user == "" {
			return nil, ErrUnaddressed
		}
		return &Notification{Kind: KindStoreChange, UserID: user}, nil
	}

	return nil, fmt.Errorf("unrecognized payload: %s", raw)
}
