package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/sentineldesk/mailguard/internal/mail"
)

// Classifier produces a verdict for a message. Implementations never fail
// the caller: any error degrades to a pending record so ingestion throughput
// is not gated on classifier availability.
type Classifier interface {
	Classify(ctx context.Context, userID string, msg mail.Message) mail.Classification
}

// Client calls the external classifier over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

type request struct {
	Text         string `json:"text"`
	UserID       string `json:"userId"`
	MessageID    string `json:"messageId"`
	ProcessingID string `json:"processingId"`
}

type response struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Evidence   []string `json:"evidence"`
	Indicators []string `json:"indicators"`
}

// NewClient creates a classifier client with a bounded per-call timeout and
// a circuit breaker so a dead classifier stops consuming the timeout budget
// on every message.
func NewClient(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "classifier",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
		logger:   logger,
	}
}

// Classify invokes the classifier and degrades to a pending record on any
// failure: unreachable, timeout, non-200, or a verdict outside the closed
// category set.
func (c *Client) Classify(ctx context.Context, userID string, msg mail.Message) mail.Classification {
	processingID := uuid.NewString()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invoke(ctx, userID, msg, processingID)
	})
	if err != nil {
		c.logger.Warn("classifier unavailable, recording pending verdict",
			"user", userID, "message", msg.ID, "processing_id", processingID, "error", err)
		return mail.Pending(msg)
	}

	verdict := res.(*response)
	category := mail.Category(verdict.Category)
	if !category.Valid() {
		c.logger.Warn("classifier returned unknown category, recording pending verdict",
			"user", userID, "message", msg.ID, "category", verdict.Category)
		return mail.Pending(msg)
	}

	return mail.Classification{
		Message:      msg,
		Category:     category,
		Confidence:   verdict.Confidence,
		Rationale:    verdict.Rationale,
		Evidence:     verdict.Evidence,
		Indicators:   verdict.Indicators,
		ClassifiedAt: time.Now().UTC(),
	}
}

func (c *Client) invoke(ctx context.Context, userID string, msg mail.Message, processingID string) (*response, error) {
	body, err := json.Marshal(request{
		Text:         msg.Body,
		UserID:       userID,
		MessageID:    msg.ID,
		ProcessingID: processingID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(b))
	}

	var verdict response
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &verdict, nil
}
