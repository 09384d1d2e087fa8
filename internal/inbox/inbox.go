// Package inbox implements per-recipient mail directories. Every message is
// one file named by its ULID; a .read sidecar next to it marks it consumed.
// Listing and pruning take the recipient's inbox lock, delivery relies on
// the atomic rename of a uniquely named file and needs no lock.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
)

const lockTimeout = 5 * time.Second

// ErrNotFound is returned when a message id has no file in the inbox.
var ErrNotFound = errors.New("message not found")

// Service reads and writes one home's inboxes.
type Service struct {
	home home.Home
}

func New(h home.Home) *Service {
	return &Service{home: h}
}

// Deliver writes a message into the recipient's inbox. The file appears
// atomically under its message id, so concurrent readers never observe a
// partial message.
func (s *Service) Deliver(m *message.Message) error {
	if m.To == "" {
		return fmt.Errorf("%w: direct delivery needs a recipient", message.ErrMalformed)
	}
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	return s.place(m.To, m.ID, data)
}

// DeliverCopy writes an already-addressed message into recipient's inbox.
// Channel fan-out uses this: the copy keeps its channel attribution and the
// recipient is implied by the directory it lands in.
func (s *Service) DeliverCopy(recipient string, m *message.Message) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	return s.place(recipient, m.ID, data)
}

func (s *Service) place(recipient, id string, data []byte) error {
	if err := os.MkdirAll(s.home.InboxDir(recipient), 0o755); err != nil {
		return fmt.Errorf("inbox dir: %w", err)
	}
	return platform.AtomicWrite(s.home.MessagePath(recipient, id), data, 0o644)
}

// ListUnread returns metadata for every unread message, highest priority
// first, oldest first within a priority. Files that fail to decode are
// quarantined and skipped.
func (s *Service) ListUnread(ctx context.Context, agent string) ([]message.Meta, error) {
	var metas []message.Meta
	err := platform.WithRLock(ctx, s.home.InboxLockPath(agent), lockTimeout, func() error {
		var err error
		metas, err = s.scanUnread(agent)
		return err
	})
	return metas, err
}

func (s *Service) scanUnread(agent string) ([]message.Meta, error) {
	entries, err := os.ReadDir(s.home.InboxDir(agent))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	read := make(map[string]bool)
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".read"); ok {
			read[name] = true
		}
	}
	var metas []message.Meta
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".md")
		if !ok || e.IsDir() || read[id] {
			continue
		}
		path := s.home.MessagePath(agent, id)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		m, err := message.Decode(data)
		if err != nil {
			if errors.Is(err, message.ErrMalformed) {
				_ = message.Quarantine(s.home.QuarantineDir(), path)
				continue
			}
			return nil, err
		}
		metas = append(metas, m.Meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		return message.CompareMeta(metas[i], metas[j]) < 0
	})
	return metas, nil
}

// Read returns the full message by id.
func (s *Service) Read(agent, id string) (*message.Message, error) {
	data, err := os.ReadFile(s.home.MessagePath(agent, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return message.Decode(data)
}

// MarkRead drops a .read sidecar next to each listed message. Marking an
// already-read message is a no-op; marking a missing one fails with
// ErrNotFound after the rest have been processed.
func (s *Service) MarkRead(ctx context.Context, agent string, ids ...string) error {
	return platform.WithLock(ctx, s.home.InboxLockPath(agent), lockTimeout, func() error {
		var missing []string
		for _, id := range ids {
			if _, err := os.Stat(s.home.MessagePath(agent, id)); errors.Is(err, os.ErrNotExist) {
				missing = append(missing, id)
				continue
			}
			if err := platform.Touch(s.home.ReadMarkerPath(agent, id)); err != nil {
				return fmt.Errorf("mark read %s: %w", id, err)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%s: %w", strings.Join(missing, ", "), ErrNotFound)
		}
		return nil
	})
}

// Prune deletes read messages past the retention window: anything older
// than maxAge, and the oldest beyond maxCount. Unread mail is never pruned.
// Returns the number of messages removed.
func (s *Service) Prune(ctx context.Context, agent string, maxAge time.Duration, maxCount int) (int, error) {
	removed := 0
	err := platform.WithLock(ctx, s.home.InboxLockPath(agent), lockTimeout, func() error {
		entries, err := os.ReadDir(s.home.InboxDir(agent))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		var readIDs []string
		for _, e := range entries {
			if name, ok := strings.CutSuffix(e.Name(), ".read"); ok {
				if _, err := os.Stat(s.home.MessagePath(agent, name)); err == nil {
					readIDs = append(readIDs, name)
				}
			}
		}
		// ULID names sort chronologically, newest last.
		sort.Strings(readIDs)
		cutoff := time.Now().Add(-maxAge)
		for i, id := range readIDs {
			tooOld := false
			if ts, err := platform.ULIDTime(id); err == nil {
				tooOld = ts.Before(cutoff)
			}
			overCount := len(readIDs)-i > maxCount
			if !tooOld && !overCount {
				break
			}
			if err := s.remove(agent, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Service) remove(agent, id string) error {
	if err := os.Remove(s.home.MessagePath(agent, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.home.ReadMarkerPath(agent, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Agents lists every agent that currently has an inbox directory.
func (s *Service) Agents() ([]string, error) {
	entries, err := os.ReadDir(s.home.InboxRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var agents []string
	for _, e := range entries {
		if e.IsDir() {
			agents = append(agents, filepath.Base(e.Name()))
		}
	}
	sort.Strings(agents)
	return agents, nil
}
