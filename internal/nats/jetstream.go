package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sentineldesk/mailguard/internal/mail"
)

const streamName = "MAILGUARD_EVENTS"

// Bus wraps NATS JetStream for classification change signals. The store
// publishes after every successful write; the subscriber side re-reads the
// store and broadcasts, so write and notify paths stay decoupled.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// changeEvent is the wire form of a classification-store change signal.
// Consumers must treat it as a hint only and re-read current store state.
type changeEvent struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Category  string `json:"category"`
}

// NewBus connects to NATS and opens a JetStream context.
func NewBus(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Bus{nc: nc, js: js}, nil
}

// EnsureStream ensures the change-signal stream exists.
func (b *Bus) EnsureStream(ctx context.Context) error {
	streamInfo, err := b.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailguard.user.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// ClassificationChanged implements store.ChangeNotifier. The message id
// doubles as the JetStream dedup id so repeated writes of the same verdict
// within the dedup window collapse into one signal.
func (b *Bus) ClassificationChanged(ctx context.Context, userID, messageID string, category mail.Category) error {
	payload, err := json.Marshal(changeEvent{UserID: userID, MessageID: messageID, Category: string(category)})
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	subject := fmt.Sprintf("mailguard.user.%s.classifications", subjectToken(userID))
	msgID := fmt.Sprintf("classified|%s|%s|%s", userID, messageID, category)

	if _, err := b.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// SubscribeChanges delivers the user id of every classification-store change
// to fn. Ordering relative to this process's own writes is not guaranteed.
func (b *Bus) SubscribeChanges(fn func(userID string)) (*nats.Subscription, error) {
	sub, err := b.js.Subscribe("mailguard.user.*.classifications", func(m *nats.Msg) {
		var ev changeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil || ev.UserID == "" {
			_ = m.Ack()
			return
		}
		fn(ev.UserID)
		_ = m.Ack()
	}, nats.Durable("mailguard-broadcast"), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to change events: %w", err)
	}
	return sub, nil
}

// Close closes the NATS connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// subjectToken makes a user id safe for use as a single NATS subject token.
// The authoritative id travels in the payload.
func subjectToken(userID string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(userID)
}
