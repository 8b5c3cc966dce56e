package classify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentineldesk/mailguard/internal/mail"
)

func newTestClient(endpoint string, timeout time.Duration) *Client {
	return NewClient(endpoint, timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testMessage() mail.Message {
	return mail.Message{
		ID:         "m1",
		Sender:     "sender@example.com",
		Subject:    "hello",
		Body:       "click here to claim your prize",
		ReceivedAt: time.Now(),
	}
}

func TestClassifySuccess(t *testing.T) {
	var got struct {
		Text         string `json:"text"`
		UserID       string `json:"userId"`
		MessageID    string `json:"messageId"`
		ProcessingID string `json:"processingId"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"category":   "scam",
			"confidence": 0.92,
			"rationale":  "prize bait",
			"evidence":   []string{"claim your prize"},
			"indicators": []string{"urgency"},
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	rec := client.Classify(context.Background(), "a@example.com", testMessage())

	if rec.Category != mail.CategoryScam {
		t.Errorf("category = %s, want scam", rec.Category)
	}
	if rec.Confidence != 0.92 || rec.Rationale != "prize bait" {
		t.Errorf("verdict = %v/%q, want 0.92/prize bait", rec.Confidence, rec.Rationale)
	}
	if len(rec.Evidence) != 1 || len(rec.Indicators) != 1 {
		t.Errorf("evidence/indicators = %v/%v", rec.Evidence, rec.Indicators)
	}

	if got.Text != "click here to claim your prize" || got.UserID != "a@example.com" || got.MessageID != "m1" {
		t.Errorf("request = %+v", got)
	}
	if got.ProcessingID == "" {
		t.Error("request carries no processing id")
	}
}

func TestClassifyDegradesToPendingOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	rec := client.Classify(context.Background(), "a@example.com", testMessage())

	if rec.Category != mail.CategoryPending {
		t.Errorf("category = %s, want pending", rec.Category)
	}
	if rec.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", rec.Confidence)
	}
	if rec.Message.ID != "m1" {
		t.Errorf("pending record lost the message: %+v", rec.Message)
	}
}

func TestClassifyDegradesToPendingOnTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	// Deferred calls run last-in-first-out: close(block) must run before
	// srv.Close(), which waits for the in-flight blocked handler.
	defer close(block)

	client := newTestClient(srv.URL, 50*time.Millisecond)
	rec := client.Classify(context.Background(), "a@example.com", testMessage())

	if rec.Category != mail.CategoryPending {
		t.Errorf("category = %s, want pending", rec.Category)
	}
}

func TestClassifyDegradesToPendingOnUnknownCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"category": "phishy", "confidence": 0.8})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, 5*time.Second)
	rec := client.Classify(context.Background(), "a@example.com", testMessage())

	if rec.Category != mail.CategoryPending {
		t.Errorf("category = %s, want pending", rec.Category)
	}
}

func TestClassifyDegradesToPendingWhenUnreachable(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(url, time.Second)
	rec := client.Classify(context.Background(), "a@example.com", testMessage())

	if rec.Category != mail.CategoryPending {
		t.Errorf("category = %s, want pending", rec.Category)
	}
}
