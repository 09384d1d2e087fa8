package home

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// ToolDescriptionsMarker is replaced in the system prompt with the formatted
// catalogue of discovered user tools.
const ToolDescriptionsMarker = "{{TOOL_DESCRIPTIONS}}"

const defaultSystemPrompt = `# Aleph

You are a persistent personal assistant running inside the Aleph harness.
Your memory lives under the shared home directory; read memory/context.md
before assuming you know nothing. Other agents may message you at any time;
check your inbox when told there is mail.

## Tools

` + ToolDescriptionsMarker + `
`

// Scaffold creates the home directory layout, seeding missing files with
// defaults. Existing content is never overwritten. Best-effort: a home that
// cannot be made a git repository still works, it just loses auto-commits.
func Scaffold(h Home) error {
	dirs := []string{
		h.Root(),
		h.MemoryDir(),
		h.SessionsDir(),
		h.InboxRoot(),
		h.ChannelsRoot(),
		h.RegistryDir(),
		h.ToolsDir(),
		h.ScratchDir(),
		h.HarnessDir(),
		h.LogsDir(),
		h.QuarantineDir(),
		h.ConversationsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("scaffold %s: %w", d, err)
		}
	}

	seeds := map[string]string{
		h.SystemPromptPath(): defaultSystemPrompt,
		h.ContextPath():      "",
		h.PreferencesPath():  "",
		h.PatternsPath():     "",
	}
	for path, content := range seeds {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("scaffold seed %s: %w", path, err)
		}
	}

	ensureGit(h)
	return nil
}

// ensureGit initialises the home as a git repository so session-end memory
// commits have somewhere to land.
func ensureGit(h Home) {
	if _, err := os.Stat(filepath.Join(h.Root(), ".git")); err == nil {
		return
	}
	git, err := exec.LookPath("git")
	if err != nil {
		slog.Warn("git not found, memory auto-commit disabled", "component", "home")
		return
	}
	cmd := exec.Command(git, "init", "--quiet")
	cmd.Dir = h.Root()
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Warn("git init failed", "component", "home", "error", err, "output", string(out))
	}
}
