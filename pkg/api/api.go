// Package api defines the core data structures and interfaces for sochitieu.
package api

import "context"

// Source tags identify where a record originated.
const (
	SourceManual  = "manual"
	SourceTgText  = "tg_text"
	SourceEmail   = "email"
	SourceScanner = "scanner"
	SourceWebapp  = "webapp"
)

// ExpenseRecord is the canonical output of extraction.
// Amount is in đồng (the smallest VND unit): negative is an expense,
// positive is income. Zero is classified as an expense.
type ExpenseRecord struct {
	Amount   int64  `json:"amount"`
	Merchant string `json:"merchant"`
	Date     string `json:"date"` // YYYY-MM-DD, empty when the source carried none
	Time     string `json:"time"` // HH:MM:SS, empty when the source carried none
	Category string `json:"category"`
	Note     string `json:"note"`
	Source   string `json:"source"`
	Raw      string `json:"raw,omitempty"`
}

// IsIncome reports whether the record is income. Zero counts as expense.
func (r ExpenseRecord) IsIncome() bool { return r.Amount > 0 }

// Row is the persisted superset of ExpenseRecord.
type Row struct {
	ID      string `json:"id"`
	UserID  string `json:"-"`
	Deleted bool   `json:"deleted"`
	ExpenseRecord
}

// Message is an inbound text to parse. Chat-originated messages carry only
// Text and Channel; email-originated messages carry From, Subject and Body
// (HTML already stripped to plain text by the collaborator).
type Message struct {
	Text    string
	Channel string

	From    string
	Subject string
	Body    string

	// MessageID identifies the source item for later acknowledgment.
	MessageID string
}

// Content returns the text to extract from: Body for emails, Text otherwise.
func (m Message) Content() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Text
}

// Parser converts one message shape into a record. Match must be cheap;
// Parse may return (nil, nil) when the message turns out not to carry a
// transaction after all.
type Parser interface {
	Name() string
	Match(msg Message) bool
	Parse(msg Message) (*ExpenseRecord, error)
}

// UpdateFields carries a partial row update. Nil pointers leave the
// corresponding column untouched.
type UpdateFields struct {
	Date     *string `json:"date,omitempty"`
	Time     *string `json:"time,omitempty"`
	Amount   *int64  `json:"amount,omitempty"`
	Merchant *string `json:"merchant,omitempty"`
	Category *string `json:"category,omitempty"`
	Note     *string `json:"note,omitempty"`
	Raw      *string `json:"raw,omitempty"`
	Deleted  *bool   `json:"deleted,omitempty"`
}

// Page is one page of active rows for a user.
type Page struct {
	Items   []Row `json:"items"`
	Total   int   `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	HasMore bool  `json:"hasMore"`
}

// Stats sums the absolute value of active expense amounts into day,
// month and year buckets relative to Today.
type Stats struct {
	Day   int64  `json:"day"`
	Month int64  `json:"month"`
	Year  int64  `json:"year"`
	Today string `json:"today"`
	YM    string `json:"ym"`
	Y     string `json:"y"`
}

// Ledger is the append-only record store. Implementations must guarantee
// idempotent effects: appending a record whose dedup key matches an active
// row is reported as skipped, never as an error and never as a second row.
type Ledger interface {
	// Append commits one record. It returns the new row id, or an empty id
	// with a nil error when an equivalent active row already exists.
	Append(ctx context.Context, userID string, rec ExpenseRecord) (string, error)

	// AppendMany commits a batch, collapsing duplicates against both the
	// store and earlier records in the same batch. It returns the ids of
	// rows actually written, which is shorter than the input whenever
	// duplicates were skipped.
	AppendMany(ctx context.Context, userID string, recs []ExpenseRecord) ([]string, error)

	// Update mutates the row matching id and userID. Unset fields are left
	// untouched. Returns ErrNotFound when no such row exists.
	Update(ctx context.Context, userID, id string, fields UpdateFields) (Row, error)

	// SoftDelete flags the matching active row as deleted. The row remains
	// stored but disappears from List and Stats, and stops blocking
	// re-insertion of equivalent records.
	SoftDelete(ctx context.Context, userID, id string) error

	// List returns active rows ordered by date desc, time desc, id desc.
	List(ctx context.Context, userID string, page, limit int) (Page, error)

	// Stats aggregates active expense amounts relative to today (YYYY-MM-DD).
	Stats(ctx context.Context, userID, today string) (Stats, error)

	Close()
}
