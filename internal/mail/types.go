package mail

import "time"

// Category is the closed set of classifier verdicts.
type Category string

const (
	CategoryBenign     Category = "benign"
	CategorySpam       Category = "spam"
	CategoryScam       Category = "scam"
	CategorySuspicious Category = "suspicious"
	CategoryPending    Category = "pending"
)

// Valid reports whether c is one of the known verdicts.
func (c Category) Valid() bool {
	switch c {
	case CategoryBenign, CategorySpam, CategoryScam, CategorySuspicious, CategoryPending:
		return true
	}
	return false
}

// Message is one provider message, immutable once fetched.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Classification wraps a message with a classifier verdict.
type Classification struct {
	Message      Message   `json:"message"`
	Category     Category  `json:"category"`
	Confidence   float64   `json:"confidence"`
	Rationale    string    `json:"rationale"`
	Evidence     []string  `json:"evidence"`
	Indicators   []string  `json:"indicators"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// Pending builds the degraded record used when the classifier is
// unavailable. A later verdict for the same message id replaces it in place.
func Pending(msg Message) Classification {
	return Classification{
		Message:      msg,
		Category:     CategoryPending,
		Confidence:   0,
		Rationale:    "classification unavailable",
		ClassifiedAt: time.Now().UTC(),
	}
}
