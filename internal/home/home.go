// Package home resolves and lays out the shared filesystem home directory
// that every agent process coordinates through. All path computation lives
// here so the rest of the harness never concatenates home-relative paths by
// hand.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the home directory location.
const EnvHome = "ALEPH_HOME"

// EnvAgentID carries the running agent's id to subprocesses and tools.
const EnvAgentID = "ALEPH_AGENT_ID"

// Home is the resolved root of the shared substrate, default ~/.aleph.
type Home struct {
	root string
}

// Resolve picks the home root: explicit override, then $ALEPH_HOME, then
// ~/.aleph. The path is returned absolute; nothing is created.
func Resolve(override string) (Home, error) {
	root := override
	if root == "" {
		root = os.Getenv(EnvHome)
	}
	if root == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Home{}, fmt.Errorf("resolve home: %w", err)
		}
		root = filepath.Join(userHome, ".aleph")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Home{}, fmt.Errorf("resolve home: %w", err)
	}
	return Home{root: abs}, nil
}

// At returns a Home rooted at an explicit directory. Used by tests.
func At(root string) Home { return Home{root: root} }

func (h Home) Root() string { return h.root }

// Top-level layout.

func (h Home) SystemPromptPath() string { return filepath.Join(h.root, "ALEPH.md") }
func (h Home) ConfigPath() string       { return filepath.Join(h.root, "config.json5") }
func (h Home) TaskboardPath() string    { return filepath.Join(h.root, "TODO.yml") }
func (h Home) MemoryDir() string        { return filepath.Join(h.root, "memory") }
func (h Home) InboxRoot() string        { return filepath.Join(h.root, "inbox") }
func (h Home) ChannelsRoot() string     { return filepath.Join(h.root, "channels") }
func (h Home) RegistryDir() string      { return filepath.Join(h.root, "registry") }
func (h Home) ToolsDir() string         { return filepath.Join(h.root, "tools") }
func (h Home) ScratchDir() string       { return filepath.Join(h.root, "scratch") }
func (h Home) HarnessDir() string       { return filepath.Join(h.root, "harness") }
func (h Home) LogsDir() string          { return filepath.Join(h.root, "logs") }

// Memory files.

func (h Home) ContextPath() string     { return filepath.Join(h.MemoryDir(), "context.md") }
func (h Home) PreferencesPath() string { return filepath.Join(h.MemoryDir(), "preferences.md") }
func (h Home) PatternsPath() string    { return filepath.Join(h.MemoryDir(), "patterns.md") }
func (h Home) HandoffPath() string     { return filepath.Join(h.MemoryDir(), "handoff.md") }
func (h Home) SessionsDir() string     { return filepath.Join(h.MemoryDir(), "sessions") }

// Inbox paths.

func (h Home) InboxDir(agentID string) string {
	return filepath.Join(h.InboxRoot(), agentID)
}

func (h Home) MessagePath(agentID, messageID string) string {
	return filepath.Join(h.InboxDir(agentID), messageID+".md")
}

func (h Home) ReadMarkerPath(agentID, messageID string) string {
	return filepath.Join(h.InboxDir(agentID), messageID+".read")
}

func (h Home) InboxLockPath(agentID string) string {
	return filepath.Join(h.InboxRoot(), agentID+".lock")
}

// Channel paths.

func (h Home) ChannelDir(name string) string {
	return filepath.Join(h.ChannelsRoot(), name)
}

func (h Home) SubscribersPath(name string) string {
	return filepath.Join(h.ChannelDir(name), "subscribers")
}

func (h Home) HistoryPath(name string) string {
	return filepath.Join(h.ChannelDir(name), "history.jsonl")
}

func (h Home) ChannelLockPath(name string) string {
	return filepath.Join(h.ChannelsRoot(), name+".lock")
}

// Registry paths.

func (h Home) RecordPath(agentID string) string {
	return filepath.Join(h.RegistryDir(), agentID+".json")
}

func (h Home) HeartbeatPath(agentID string) string {
	return filepath.Join(h.RegistryDir(), agentID+".heartbeat")
}

// Log-adjacent paths.

func (h Home) QuarantineDir() string    { return filepath.Join(h.LogsDir(), "quarantine") }
func (h Home) ConversationsDir() string { return filepath.Join(h.LogsDir(), "conversations") }
func (h Home) UsageDBPath() string      { return filepath.Join(h.LogsDir(), "usage.db") }
func (h Home) LogFilePath() string      { return filepath.Join(h.LogsDir(), "aleph.log") }
