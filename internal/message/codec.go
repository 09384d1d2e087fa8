package message

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// frontmatter is the wire form of the header. Timestamps travel as RFC3339
// strings so serialization stays byte-stable across round trips.
type frontmatter struct {
	From      string `yaml:"from"`
	To        string `yaml:"to,omitempty"`
	Channel   string `yaml:"channel,omitempty"`
	Summary   string `yaml:"summary"`
	Priority  string `yaml:"priority"`
	Timestamp string `yaml:"timestamp"`
	MessageID string `yaml:"message_id"`
}

// Encode renders a message to its on-disk form. The message is normalized
// and validated first; Encode never writes a frame it could not read back.
func Encode(m *Message) ([]byte, error) {
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fm := frontmatter{
		From:      m.From,
		To:        m.To,
		Channel:   m.Channel,
		Summary:   m.Summary,
		Priority:  m.Priority,
		Timestamp: m.Timestamp.Format(time.RFC3339),
		MessageID: m.ID,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(header)
	buf.WriteString(delimiter + "\n")
	if m.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(m.Body)
		if !strings.HasSuffix(m.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an on-disk message. Unknown frontmatter fields are ignored;
// structural failures wrap ErrMalformed so callers can quarantine the file.
func Decode(data []byte) (*Message, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var fm frontmatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ts, err := time.Parse(time.RFC3339, fm.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, fm.Timestamp)
	}
	m := &Message{
		ID:        fm.MessageID,
		From:      fm.From,
		To:        fm.To,
		Channel:   fm.Channel,
		Summary:   fm.Summary,
		Priority:  fm.Priority,
		Timestamp: ts.UTC(),
		Body:      body,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// splitFrontmatter separates the --- framed header from the body. The body
// starts after the closing delimiter with at most one leading blank line
// stripped.
func splitFrontmatter(data []byte) (header []byte, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, delimiter+"\n") {
		return nil, "", fmt.Errorf("%w: missing opening delimiter", ErrMalformed)
	}
	rest := text[len(delimiter)+1:]
	idx := strings.Index(rest, "\n"+delimiter+"\n")
	switch {
	case idx >= 0:
		header = []byte(rest[:idx+1])
		body = rest[idx+len(delimiter)+2:]
	case strings.HasSuffix(rest, "\n"+delimiter):
		header = []byte(rest[:len(rest)-len(delimiter)])
		body = ""
	default:
		return nil, "", fmt.Errorf("%w: missing closing delimiter", ErrMalformed)
	}
	body = strings.TrimPrefix(body, "\n")
	return header, body, nil
}
