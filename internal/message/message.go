// Package message defines the inter-agent message format: YAML frontmatter
// between --- delimiters followed by a markdown body. Readers tolerate
// unknown frontmatter fields so older agents can read mail from newer ones.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
)

// Priorities, highest first in inbox listings.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// SummaryMaxWidth is the display-cell cap on the summary header field.
const SummaryMaxWidth = 200

// ErrMalformed marks protocol-level decode failures. Files failing with it
// are quarantined, never retried.
var ErrMalformed = errors.New("malformed message")

// Message is one piece of mail. Exactly one of To and Channel is set: To for
// direct mail, Channel for fan-out copies.
type Message struct {
	ID        string
	From      string
	To        string
	Channel   string
	Summary   string
	Priority  string
	Timestamp time.Time
	Body      string
}

// Meta is the listing view of a message, everything but the body.
type Meta struct {
	ID        string
	From      string
	Channel   string
	Summary   string
	Priority  string
	Timestamp time.Time
}

// Meta returns the listing view.
func (m *Message) Meta() Meta {
	return Meta{
		ID:        m.ID,
		From:      m.From,
		Channel:   m.Channel,
		Summary:   m.Summary,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
	}
}

// PriorityRank orders priorities for sorting; higher sorts first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool { return PriorityRank(p) >= 0 }

// Normalize fills defaults and clamps fields before a message is written:
// empty priority becomes normal, the timestamp is forced to UTC seconds, and
// the summary is truncated to its display-width cap.
func (m *Message) Normalize() {
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Second)
	if runewidth.StringWidth(m.Summary) > SummaryMaxWidth {
		m.Summary = runewidth.Truncate(m.Summary, SummaryMaxWidth, "…")
	}
}

// Validate checks the invariants a message must satisfy before delivery.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing message_id", ErrMalformed)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing from", ErrMalformed)
	}
	if (m.To == "") == (m.Channel == "") {
		return fmt.Errorf("%w: exactly one of to/channel must be set", ErrMalformed)
	}
	if !ValidPriority(m.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrMalformed, m.Priority)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return nil
}

// CompareMeta orders listings: priority desc, then timestamp asc, then id
// asc. Returns negative when a sorts before b.
func CompareMeta(a, b Meta) int {
	if ra, rb := PriorityRank(a.Priority), PriorityRank(b.Priority); ra != rb {
		return rb - ra
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		if a.Timestamp.Before(b.Timestamp) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
