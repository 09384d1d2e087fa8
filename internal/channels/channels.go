// Package channels implements named broadcast topics. Each channel is a
// directory holding a subscribers file (one agent id per line) and a
// history.jsonl log trimmed to a retention cap. Broadcasting appends to the
// history and fans a copy out to every subscriber's inbox.
package channels

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

const (
	lockTimeout    = 5 * time.Second
	fanoutParallel = 8
)

// ErrNotFound is returned for operations on a channel that does not exist.
var ErrNotFound = errors.New("channel not found")

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Service manages the channels tree of one home.
type Service struct {
	home   home.Home
	inbox  *inbox.Service
	retain int
}

// New builds a channel service keeping at most retain history entries per
// channel.
func New(h home.Home, ib *inbox.Service, retain int) *Service {
	if retain < 1 {
		retain = 1
	}
	return &Service{home: h, inbox: ib, retain: retain}
}

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}
	return nil
}

// Subscribe adds agent to the channel, creating the channel on first use.
// Re-subscribing is a no-op.
func (s *Service) Subscribe(ctx context.Context, name, agent string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return platform.WithLock(ctx, s.home.ChannelLockPath(name), lockTimeout, func() error {
		if err := os.MkdirAll(s.home.ChannelDir(name), 0o755); err != nil {
			return fmt.Errorf("channel dir: %w", err)
		}
		subs, err := s.readSubscribers(name)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if sub == agent {
				return nil
			}
		}
		f, err := os.OpenFile(s.home.SubscribersPath(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("subscribers: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(agent + "\n"); err != nil {
			return fmt.Errorf("subscribers: %w", err)
		}
		return f.Sync()
	})
}

// Unsubscribe removes agent from the channel. Removing an agent that is not
// subscribed is a no-op; the channel itself must exist.
func (s *Service) Unsubscribe(ctx context.Context, name, agent string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return platform.WithLock(ctx, s.home.ChannelLockPath(name), lockTimeout, func() error {
		subs, err := s.readSubscribers(name)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		kept := subs[:0]
		for _, sub := range subs {
			if sub != agent {
				kept = append(kept, sub)
			}
		}
		if len(kept) == len(subs) {
			return nil
		}
		var buf bytes.Buffer
		for _, sub := range kept {
			buf.WriteString(sub + "\n")
		}
		return platform.AtomicWrite(s.home.SubscribersPath(name), buf.Bytes(), 0o644)
	})
}

// Subscribers returns the channel's member list in file order.
func (s *Service) Subscribers(ctx context.Context, name string) ([]string, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var subs []string
	err := platform.WithRLock(ctx, s.home.ChannelLockPath(name), lockTimeout, func() error {
		var err error
		subs, err = s.readSubscribers(name)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return err
	})
	return subs, err
}

// readSubscribers expects the caller to hold the channel lock. A missing
// channel directory surfaces as os.ErrNotExist.
func (s *Service) readSubscribers(name string) ([]string, error) {
	if _, err := os.Stat(s.home.ChannelDir(name)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.home.SubscribersPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var subs []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			subs = append(subs, line)
		}
	}
	return subs, nil
}

// Broadcast appends the message to the channel history, then fans a copy out
// to every subscriber except the sender. Delivery is at-least-once per
// subscriber: one failed inbox does not stop the others, and all failures
// are reported together.
func (s *Service) Broadcast(ctx context.Context, m *message.Message) ([]string, error) {
	if m.Channel == "" {
		return nil, fmt.Errorf("%w: broadcast needs a channel", message.ErrMalformed)
	}
	if err := validateName(m.Channel); err != nil {
		return nil, err
	}
	var subs []string
	err := platform.WithLock(ctx, s.home.ChannelLockPath(m.Channel), lockTimeout, func() error {
		var err error
		subs, err = s.readSubscribers(m.Channel)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", m.Channel, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return s.appendHistory(m)
	})
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub != m.From {
			targets = append(targets, sub)
		}
	}
	ok := make([]bool, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(fanoutParallel)
	for i, sub := range targets {
		copied := *m
		g.Go(func() error {
			err := platform.Retry(ctx, platform.RetryAttempts, platform.RetryBackoff, func() error {
				return s.inbox.DeliverCopy(sub, &copied)
			})
			if err != nil {
				errs[i] = fmt.Errorf("deliver to %s: %w", sub, err)
			} else {
				ok[i] = true
			}
			return nil
		})
	}
	g.Wait()
	var delivered []string
	for i, sub := range targets {
		if ok[i] {
			delivered = append(delivered, sub)
		}
	}
	return delivered, errors.Join(errs...)
}

// historyEntry is the wire form of one history.jsonl line.
type historyEntry struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Channel   string `json:"channel"`
	Summary   string `json:"summary"`
	Priority  string `json:"priority"`
	Timestamp string `json:"timestamp"`
	Body      string `json:"body"`
}

// appendHistory expects the caller to hold the channel lock. The log is
// rewritten with the new entry appended and trimmed to the retention cap.
func (s *Service) appendHistory(m *message.Message) error {
	m.Normalize()
	entries, err := s.readHistory(m.Channel)
	if err != nil {
		return err
	}
	entries = append(entries, historyEntry{
		MessageID: m.ID,
		From:      m.From,
		Channel:   m.Channel,
		Summary:   m.Summary,
		Priority:  m.Priority,
		Timestamp: m.Timestamp.Format(time.RFC3339),
		Body:      m.Body,
	})
	if len(entries) > s.retain {
		entries = entries[len(entries)-s.retain:]
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
	}
	return platform.AtomicWrite(s.home.HistoryPath(m.Channel), buf.Bytes(), 0o644)
}

func (s *Service) readHistory(name string) ([]historyEntry, error) {
	f, err := os.Open(s.home.HistoryPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []historyEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e historyEntry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping corrupt history line", "component", "channels", "channel", name, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// History returns the channel's most recent n messages, oldest first. n <= 0
// means everything retained.
func (s *Service) History(ctx context.Context, name string, n int) ([]message.Message, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var entries []historyEntry
	err := platform.WithRLock(ctx, s.home.ChannelLockPath(name), lockTimeout, func() error {
		if _, err := os.Stat(s.home.ChannelDir(name)); err != nil {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		var err error
		entries, err = s.readHistory(name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	msgs := make([]message.Message, 0, len(entries))
	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		msgs = append(msgs, message.Message{
			ID:        e.MessageID,
			From:      e.From,
			Channel:   e.Channel,
			Summary:   e.Summary,
			Priority:  e.Priority,
			Timestamp: ts,
			Body:      e.Body,
		})
	}
	return msgs, nil
}

// List returns every channel name, sorted.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.home.ChannelsRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
