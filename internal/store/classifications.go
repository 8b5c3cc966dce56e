package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentineldesk/mailguard/internal/mail"
)

// Upsert appends a classification record or, when the message id is already
// present, updates its verdict in place without changing its position. The
// per-user list is capped; the oldest entries past the cap are evicted.
// A change signal is emitted after the write commits.
func (s *Store) Upsert(ctx context.Context, userID string, rec mail.Classification) error {
	evidence, err := json.Marshal(emptyIfNil(rec.Evidence))
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	indicators, err := json.Marshal(emptyIfNil(rec.Indicators))
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM classifications WHERE user_id = ?
	`, userID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classifications
			(user_id, message_id, thread_id, sender, subject, snippet, body, received_at,
			 category, confidence, rationale, evidence_json, indicators_json, classified_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO UPDATE SET
			category = excluded.category,
			confidence = excluded.confidence,
			rationale = excluded.rationale,
			evidence_json = excluded.evidence_json,
			indicators_json = excluded.indicators_json,
			classified_at = excluded.classified_at
	`, userID, rec.Message.ID, rec.Message.ThreadID, rec.Message.Sender, rec.Message.Subject,
		rec.Message.Snippet, rec.Message.Body, rec.Message.ReceivedAt.Unix(),
		string(rec.Category), rec.Confidence, rec.Rationale, string(evidence), string(indicators),
		rec.ClassifiedAt.Unix(), seq)
	if err != nil {
		return fmt.Errorf("failed to upsert classification: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM classifications
		WHERE user_id = ? AND message_id NOT IN (
			SELECT message_id FROM classifications
			WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, userID, userID, s.cap)
	if err != nil {
		return fmt.Errorf("failed to evict old classifications: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit classification: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.ClassificationChanged(ctx, userID, rec.Message.ID, rec.Category); err != nil {
			// The write itself succeeded; clients catch up via /emails.
			s.logger.Warn("change signal not delivered", "user", userID, "message", rec.Message.ID, "error", err)
		}
	}
	return nil
}

// Classifications returns the user's records, newest first.
func (s *Store) Classifications(ctx context.Context, userID string) ([]mail.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, thread_id, sender, subject, snippet, body, received_at,
		       category, confidence, rationale, evidence_json, indicators_json, classified_at
		FROM classifications
		WHERE user_id = ?
		ORDER BY seq DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query classifications: %w", err)
	}
	defer rows.Close()

	var records []mail.Classification
	for rows.Next() {
		var (
			rec                    mail.Classification
			receivedAt, classified int64
			evidence, indicators   string
			category               string
		)
		if err := rows.Scan(&rec.Message.ID, &rec.Message.ThreadID, &rec.Message.Sender,
			&rec.Message.Subject, &rec.Message.Snippet, &rec.Message.Body, &receivedAt,
			&category, &rec.Confidence, &rec.Rationale, &evidence, &indicators, &classified); err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		rec.Message.ReceivedAt = time.Unix(receivedAt, 0)
		rec.Category = mail.Category(category)
		rec.ClassifiedAt = time.Unix(classified, 0)
		if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
			rec.Evidence = nil
		}
		if err := json.Unmarshal([]byte(indicators), &rec.Indicators); err != nil {
			rec.Indicators = nil
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Category returns the stored verdict for a message, if present.
func (s *Store) Category(ctx context.Context, userID, messageID string) (mail.Category, bool, error) {
	var category string
	err := s.db.QueryRowContext(ctx, `
		SELECT category FROM classifications WHERE user_id = ? AND message_id = ?
	`, userID, messageID).Scan(&category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read category: %w", err)
	}
	return mail.Category(category), true, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
