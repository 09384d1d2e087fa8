package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var promptClock = time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

func TestBuildSystemPromptExpandsToolCatalogue(t *testing.T) {
	s, h, _ := newTestSession(t, func(cfg *SessionConfig) {
		cfg.Role = "lead"
		cfg.Project = "/work/repo"
	})

	require.NoError(t, os.WriteFile(h.SystemPromptPath(),
		[]byte("# Aleph\n\nBe useful.\n\n## Tools\n\n{{TOOL_DESCRIPTIONS}}\n"), 0o644))
	script := "#!/usr/bin/env bash\n# ---\n# name: greet\n# description: Say hello to someone.\n# arguments:\n#   - name: who\n#     description: target\n#     required: true\n# ---\necho hi\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.ToolsDir(), "greet"), []byte(script), 0o755))

	prompt := s.buildSystemPrompt(promptClock)

	assert.Contains(t, prompt, "Be useful.")
	assert.NotContains(t, prompt, "{{TOOL_DESCRIPTIONS}}")
	assert.Contains(t, prompt, "greet")
	assert.Contains(t, prompt, "Say hello to someone.")
	assert.Contains(t, prompt, "agent `main`")
	assert.Contains(t, prompt, "acting as lead")
	assert.Contains(t, prompt, "/work/repo")
	assert.Contains(t, prompt, "2026-05-02")
}

func TestBuildSystemPromptConsumesHandoff(t *testing.T) {
	s, h, _ := newTestSession(t, nil)
	require.NoError(t, os.WriteFile(h.HandoffPath(), []byte("pick up the refactor at step 3"), 0o644))

	prompt := s.buildSystemPrompt(promptClock)

	assert.Contains(t, prompt, "pick up the refactor at step 3")
	assert.NoFileExists(t, h.HandoffPath())
}

func TestBuildSystemPromptEphemeralSkipsContinuity(t *testing.T) {
	s, h, _ := newTestSession(t, func(cfg *SessionConfig) { cfg.Ephemeral = true })
	require.NoError(t, os.WriteFile(h.HandoffPath(), []byte("for the next persistent session"), 0o644))

	prompt := s.buildSystemPrompt(promptClock)

	assert.NotContains(t, prompt, "for the next persistent session")
	assert.FileExists(t, h.HandoffPath(), "ephemeral sessions must not consume the handoff")
	assert.Contains(t, prompt, "ephemeral")
}

func TestBuildSystemPromptIncludesSharedContext(t *testing.T) {
	s, h, _ := newTestSession(t, nil)
	require.NoError(t, os.WriteFile(h.ContextPath(), []byte("The prod cluster is named osiris."), 0o644))

	prompt := s.buildSystemPrompt(promptClock)

	assert.Contains(t, prompt, "## Shared Context")
	assert.Contains(t, prompt, "osiris")
}

func TestBuildSystemPromptIncludesRecap(t *testing.T) {
	s, h, _ := newTestSession(t, nil)
	require.NoError(t, os.WriteFile(
		filepath.Join(h.SessionsDir(), "2026-05-01-main.md"),
		[]byte("# 2026-05-01 — shipped the importer (main)\n\nDetails.\n"), 0o644))

	prompt := s.buildSystemPrompt(promptClock)

	assert.Contains(t, prompt, "shipped the importer")
}

func TestBuildSystemPromptSurvivesEmptyHome(t *testing.T) {
	s, h, _ := newTestSession(t, nil)
	require.NoError(t, os.Remove(h.SystemPromptPath()))

	prompt := s.buildSystemPrompt(promptClock)

	assert.Contains(t, prompt, "agent `main`", "identity block renders even without ALEPH.md")
}
