// Package taskboard implements the shared TODO.yml work queue. The whole
// board is one YAML file; every mutation is a locked read-modify-write so
// two agents can never claim the same task. Tasks nest: subtasks carry
// dotted ids like 2.1, and lookup walks the whole tree.
package taskboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/platform"
)

const lockTimeout = 5 * time.Second

// Task statuses.
const (
	StatusOpen       = "open"
	StatusClaimed    = "claimed"
	StatusInProgress = "in-progress"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyClaimed    = errors.New("task already claimed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotOwner          = errors.New("task owned by another agent")
)

// AlreadyClaimedError reports who holds the task. errors.Is matches
// ErrAlreadyClaimed through Unwrap.
type AlreadyClaimedError struct {
	ID     string
	Holder string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.ID, e.Holder)
}

func (e *AlreadyClaimedError) Unwrap() error { return ErrAlreadyClaimed }

// transitions maps a status to the statuses reachable from it. Claiming and
// releasing are separate operations and are not listed here.
var transitions = map[string][]string{
	StatusClaimed:    {StatusInProgress},
	StatusInProgress: {StatusDone, StatusBlocked},
	StatusBlocked:    {StatusInProgress},
}

func canTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusClaimed, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known task priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is one entry on the board. Subtasks inherit the parent id as a dotted
// prefix, so "2.1" is the first child of task "2".
type Task struct {
	ID            string     `yaml:"id"`
	Description   string     `yaml:"description"`
	Status        string     `yaml:"status"`
	Assignee      string     `yaml:"assignee,omitempty"`
	Priority      string     `yaml:"priority,omitempty"`
	BlockedReason string     `yaml:"blocked_reason,omitempty"`
	CreatedAt     time.Time  `yaml:"created_at,omitempty"`
	UpdatedAt     time.Time  `yaml:"updated_at,omitempty"`
	CompletedAt   *time.Time `yaml:"completed_at,omitempty"`
	Subtasks      []Task     `yaml:"subtasks,omitempty"`
}

type board struct {
	Tasks []Task `yaml:"tasks"`
}

// Board mediates access to one home's TODO.yml.
type Board struct {
	home home.Home
}

func New(h home.Home) *Board {
	return &Board{home: h}
}

func (b *Board) load() (*board, error) {
	data, err := os.ReadFile(b.home.TaskboardPath())
	if errors.Is(err, os.ErrNotExist) {
		return &board{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read taskboard: %w", err)
	}
	var bd board
	if err := yaml.Unmarshal(data, &bd); err != nil {
		return nil, fmt.Errorf("parse taskboard: %w", err)
	}
	return &bd, nil
}

func (b *Board) save(bd *board) error {
	data, err := yaml.Marshal(bd)
	if err != nil {
		return fmt.Errorf("encode taskboard: %w", err)
	}
	return platform.AtomicWrite(b.home.TaskboardPath(), data, 0o644)
}

// update runs fn against the loaded board under the write lock and persists
// the result if fn succeeds.
func (b *Board) update(ctx context.Context, fn func(*board) error) error {
	return platform.WithLock(ctx, platform.LockPath(b.home.TaskboardPath()), lockTimeout, func() error {
		bd, err := b.load()
		if err != nil {
			return err
		}
		if err := fn(bd); err != nil {
			return err
		}
		return b.save(bd)
	})
}

// findTask walks the task tree for an exact id match.
func findTask(tasks []Task, id string) *Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
		if t := findTask(tasks[i].Subtasks, id); t != nil {
			return t
		}
	}
	return nil
}

// nextID picks the smallest unused integer suffix among siblings. Ids that
// do not end in an integer (hand-edited boards) are skipped.
func nextID(siblings []Task, prefix string) string {
	next := 1
	for _, t := range siblings {
		tail := t.ID
		if prefix != "" {
			var ok bool
			if tail, ok = strings.CutPrefix(t.ID, prefix+"."); !ok {
				continue
			}
		}
		if n, err := strconv.Atoi(tail); err == nil && n >= next {
			next = n + 1
		}
	}
	if prefix == "" {
		return strconv.Itoa(next)
	}
	return prefix + "." + strconv.Itoa(next)
}

// Add appends a new open task and returns it. A non-empty parent id nests it
// as a subtask with a dotted id.
func (b *Board) Add(ctx context.Context, description, priority, parent string) (Task, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return Task{}, fmt.Errorf("unknown priority %q", priority)
	}
	var created Task
	err := b.update(ctx, func(bd *board) error {
		siblings := &bd.Tasks
		prefix := ""
		if parent != "" {
			p := findTask(bd.Tasks, parent)
			if p == nil {
				return fmt.Errorf("parent %s: %w", parent, ErrNotFound)
			}
			siblings = &p.Subtasks
			prefix = p.ID
		}
		now := time.Now().UTC().Truncate(time.Second)
		created = Task{
			ID:          nextID(*siblings, prefix),
			Description: description,
			Status:      StatusOpen,
			Priority:    priority,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		*siblings = append(*siblings, created)
		return nil
	})
	return created, err
}

// List returns tasks depth-first in board order, each parent before its
// subtasks, optionally filtered by status.
func (b *Board) List(ctx context.Context, status string) ([]Task, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	var tasks []Task
	err := platform.WithRLock(ctx, platform.LockPath(b.home.TaskboardPath()), lockTimeout, func() error {
		bd, err := b.load()
		if err != nil {
			return err
		}
		tasks = flatten(bd.Tasks, status, tasks)
		return nil
	})
	return tasks, err
}

func flatten(tasks []Task, status string, out []Task) []Task {
	for _, t := range tasks {
		if status == "" || t.Status == status {
			flat := t
			flat.Subtasks = nil
			out = append(out, flat)
		}
		out = flatten(t.Subtasks, status, out)
	}
	return out
}

// Get returns one task by id, subtasks included.
func (b *Board) Get(ctx context.Context, id string) (Task, error) {
	var task Task
	err := platform.WithRLock(ctx, platform.LockPath(b.home.TaskboardPath()), lockTimeout, func() error {
		bd, err := b.load()
		if err != nil {
			return err
		}
		t := findTask(bd.Tasks, id)
		if t == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		task = *t
		return nil
	})
	return task, err
}

// Claim moves an open task to claimed and records the assignee. Claiming
// anything but an open task fails: a held task names its holder, a finished
// or blocked one is an invalid transition.
func (b *Board) Claim(ctx context.Context, id, agent string) (Task, error) {
	var claimed Task
	err := b.update(ctx, func(bd *board) error {
		t := findTask(bd.Tasks, id)
		if t == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		switch {
		case t.Status == StatusOpen:
			t.Status = StatusClaimed
			t.Assignee = agent
			t.UpdatedAt = time.Now().UTC().Truncate(time.Second)
		case t.Assignee != "":
			return &AlreadyClaimedError{ID: id, Holder: t.Assignee}
		default:
			return fmt.Errorf("%s: %s -> %s: %w", id, t.Status, StatusClaimed, ErrInvalidTransition)
		}
		claimed = *t
		return nil
	})
	return claimed, err
}

// SetStatus moves a task the agent holds along the transition graph. Blocked
// requires a reason; leaving blocked clears it. Completing a task records
// when.
func (b *Board) SetStatus(ctx context.Context, id, agent, status, reason string) (Task, error) {
	if !ValidStatus(status) {
		return Task{}, fmt.Errorf("unknown status %q", status)
	}
	var updated Task
	err := b.update(ctx, func(bd *board) error {
		t := findTask(bd.Tasks, id)
		if t == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if t.Assignee != agent {
			return fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		if !canTransition(t.Status, status) {
			return fmt.Errorf("%s: %s -> %s: %w", id, t.Status, status, ErrInvalidTransition)
		}
		if status == StatusBlocked && reason == "" {
			return fmt.Errorf("%s: blocking needs a reason", id)
		}
		t.Status = status
		if status == StatusBlocked {
			t.BlockedReason = reason
		} else {
			t.BlockedReason = ""
		}
		now := time.Now().UTC().Truncate(time.Second)
		if status == StatusDone {
			t.CompletedAt = &now
		}
		t.UpdatedAt = now
		updated = *t
		return nil
	})
	return updated, err
}

// Release puts a claimed task back to open for someone else to pick up.
// Only the holder may release, and only before work has started.
func (b *Board) Release(ctx context.Context, id, agent string) (Task, error) {
	var released Task
	err := b.update(ctx, func(bd *board) error {
		t := findTask(bd.Tasks, id)
		if t == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if t.Assignee != agent {
			return fmt.Errorf("%s: %w", id, ErrNotOwner)
		}
		if t.Status != StatusClaimed {
			return fmt.Errorf("%s: %s -> %s: %w", id, t.Status, StatusOpen, ErrInvalidTransition)
		}
		t.Status = StatusOpen
		t.Assignee = ""
		t.UpdatedAt = time.Now().UTC().Truncate(time.Second)
		released = *t
		return nil
	})
	return released, err
}
