// Package registry tracks which agents exist and which are alive. Each agent
// owns a JSON record and a heartbeat file it touches while running; liveness
// is heartbeat freshness plus a PID check, so a crashed agent goes stale
// without any teardown of its own.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/platform"
)

const (
	// HeartbeatInterval is how often a live agent touches its heartbeat.
	HeartbeatInterval = 30 * time.Second
	// StaleAfter is how long a heartbeat may age before the agent counts
	// as dead.
	StaleAfter = 5 * time.Minute
)

// ErrNotFound is returned when no record exists for an agent id.
var ErrNotFound = errors.New("agent not found")

// Record is one agent's registry entry.
type Record struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role,omitempty"`
	Parent    string    `json:"parent,omitempty"`
	Depth     int       `json:"depth"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	Project   string    `json:"project,omitempty"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a record joined with liveness.
type Status struct {
	Record
	Alive    bool
	LastSeen time.Time
}

// Registry reads and writes one home's registry directory.
type Registry struct {
	home home.Home
}

func New(h home.Home) *Registry {
	return &Registry{home: h}
}

// Register writes the agent's record and first heartbeat.
func (r *Registry) Register(rec Record) error {
	if rec.AgentID == "" {
		return errors.New("register: empty agent id")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(r.home.RegistryDir(), 0o755); err != nil {
		return fmt.Errorf("registry dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := platform.AtomicWrite(r.home.RecordPath(rec.AgentID), data, 0o644); err != nil {
		return err
	}
	return platform.Touch(r.home.HeartbeatPath(rec.AgentID))
}

// Deregister removes the agent's record and heartbeat.
func (r *Registry) Deregister(agentID string) error {
	for _, path := range []string{r.home.RecordPath(agentID), r.home.HeartbeatPath(agentID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Get returns one agent's record.
func (r *Registry) Get(agentID string) (Record, error) {
	data, err := os.ReadFile(r.home.RecordPath(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", agentID, err)
	}
	return rec, nil
}

// List returns every registered agent with liveness, sorted by id.
func (r *Registry) List() ([]Status, error) {
	entries, err := os.ReadDir(r.home.RegistryDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var statuses []Status
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		rec, err := r.Get(id)
		if err != nil {
			continue
		}
		st := Status{Record: rec}
		if info, err := os.Stat(r.home.HeartbeatPath(id)); err == nil {
			st.LastSeen = info.ModTime()
			st.Alive = time.Since(st.LastSeen) < StaleAfter && pidAlive(rec.PID)
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AgentID < statuses[j].AgentID })
	return statuses, nil
}

// Alive reports whether the agent is currently live.
func (r *Registry) Alive(agentID string) bool {
	rec, err := r.Get(agentID)
	if err != nil {
		return false
	}
	info, err := os.Stat(r.home.HeartbeatPath(agentID))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < StaleAfter && pidAlive(rec.PID)
}

// Beat touches the agent's heartbeat file once.
func (r *Registry) Beat(agentID string) error {
	return platform.Touch(r.home.HeartbeatPath(agentID))
}

// RunHeartbeat touches the heartbeat every HeartbeatInterval until ctx ends.
// Meant to run in its own goroutine for the life of the session.
func (r *Registry) RunHeartbeat(ctx context.Context, agentID string) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Beat(agentID); err != nil {
				slog.Warn("heartbeat failed", "component", "registry", "agent", agentID, "error", err)
			}
		}
	}
}

// Reap removes records of dead agents and returns the ids removed. An agent
// is dead when its heartbeat is stale or its PID no longer exists.
func (r *Registry) Reap() ([]string, error) {
	statuses, err := r.List()
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, st := range statuses {
		if st.Alive {
			continue
		}
		if err := r.Deregister(st.AgentID); err != nil {
			return reaped, err
		}
		slog.Info("reaped dead agent", "component", "registry", "agent", st.AgentID, "last_seen", st.LastSeen)
		reaped = append(reaped, st.AgentID)
	}
	return reaped, nil
}

// pidAlive probes the process with signal 0. A PID of 0 means the record
// predates the process (or the writer crashed mid-register) and counts as
// dead.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
