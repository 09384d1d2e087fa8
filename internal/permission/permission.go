// Package permission arbitrates tool use. Every PreToolUse event lands here:
// the tool is classified, the session mode decides whether that class needs
// approval, guardrails override everything for shell commands, and gated
// calls go to the user one at a time through a Prompter.
package permission

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-runewidth"

	"github.com/kaselby/aleph-harness/internal/config"
	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// Tool classes.
const (
	ClassRead      = "read"
	ClassEdit      = "edit"
	ClassExec      = "exec"
	ClassWeb       = "web"
	ClassFramework = "framework"
	ClassOther     = "other"
)

// ErrInterrupted resolves a pending prompt when the user interrupts the
// agent instead of answering.
var ErrInterrupted = errors.New("interrupted")

// promptSummaryWidth caps the one-line summary shown in approval prompts.
const promptSummaryWidth = 100

// Classify buckets a tool name. Framework tools arrive with an mcp__ prefix
// and are never gated; they already run inside the harness.
func Classify(toolName string) string {
	if strings.HasPrefix(toolName, "mcp__") {
		return ClassFramework
	}
	switch toolName {
	case protocol.ToolWrite, protocol.ToolEdit, protocol.ToolMultiEdit, protocol.ToolNotebookEdit:
		return ClassEdit
	case protocol.ToolBash:
		return ClassExec
	case protocol.ToolWebFetch, protocol.ToolWebSearch:
		return ClassWeb
	case protocol.ToolRead, protocol.ToolGlob, protocol.ToolGrep, protocol.ToolLS, protocol.ToolTask:
		return ClassRead
	}
	return ClassOther
}

// gated reports whether a tool class needs approval under a mode. Unknown
// tools are treated like shell in safe mode and waved through in default
// mode.
func gated(mode, class string) bool {
	switch mode {
	case config.ModeYolo:
		return false
	case config.ModeSafe:
		return class == ClassEdit || class == ClassExec || class == ClassWeb || class == ClassOther
	default:
		return class == ClassEdit || class == ClassWeb
	}
}

// Prompt is one approval request shown to the user.
type Prompt struct {
	AgentID  string
	ToolName string
	Summary  string
	Detail   string // diff or command preview, possibly empty
}

// Prompter presents a request and reports the user's verdict. Ask must
// return promptly with ctx.Err() when ctx is cancelled.
type Prompter interface {
	Ask(ctx context.Context, p *Prompt) (bool, error)
}

// Headless denies every prompt. Detached sessions have nobody to ask.
type Headless struct{}

func (Headless) Ask(context.Context, *Prompt) (bool, error) { return false, nil }

// Arbiter owns permission decisions for one session.
type Arbiter struct {
	agentID  string
	mode     string
	homeRoot string
	prompter Prompter

	blockRe   []*regexp.Regexp
	confirmRe []*regexp.Regexp

	// closing flips when the session starts shutting down. From then on
	// nobody is around to answer prompts.
	closing atomic.Bool

	// slotMu serialises prompts: the UI shows one request at a time.
	slotMu sync.Mutex

	stateMu sync.Mutex
	pending context.CancelCauseFunc
}

// New compiles the guardrails and returns an arbiter. Patterns were already
// validated by config.Validate; compile errors here are programmer errors.
func New(agentID, mode, homeRoot string, guard config.GuardrailsConfig, prompter Prompter) *Arbiter {
	a := &Arbiter{agentID: agentID, mode: mode, homeRoot: homeRoot, prompter: prompter}
	for _, p := range guard.Block {
		a.blockRe = append(a.blockRe, regexp.MustCompile(p))
	}
	for _, p := range guard.Confirm {
		a.confirmRe = append(a.confirmRe, regexp.MustCompile(p))
	}
	return a
}

// BeginShutdown switches the arbiter to unattended arbitration and resolves
// any prompt still on the slot. Gated calls are denied from here on, except
// edits that stay inside the harness home: the session-end summary has to
// land in memory/sessions/ without anyone at the keyboard.
func (a *Arbiter) BeginShutdown() {
	a.closing.Store(true)
	a.Interrupt()
}

// DenyMessage is the reason string handed back to the runtime on a deny.
func DenyMessage(reason string) string {
	return "Tool denied by permission policy: " + reason
}

func allowResult() protocol.PermissionResult {
	return protocol.PermissionResult{Behavior: protocol.BehaviorAllow}
}

func denyResult(reason string) protocol.PermissionResult {
	return protocol.PermissionResult{Behavior: protocol.BehaviorDeny, Message: DenyMessage(reason)}
}

// Decide resolves one tool call. The error return is reserved for harness
// faults; policy outcomes, including denials, arrive in the result.
func (a *Arbiter) Decide(ctx context.Context, toolName string, input map[string]any) (protocol.PermissionResult, error) {
	class := Classify(toolName)

	needConfirm := false
	if class == ClassExec {
		command, _ := input["command"].(string)
		switch tier, desc := classifyDanger(command); tier {
		case tierBlock:
			return denyResult(desc), nil
		case tierConfirm:
			needConfirm = true
		}
		for _, re := range a.blockRe {
			if re.MatchString(command) {
				return denyResult(fmt.Sprintf("command matches blocked pattern %s", re)), nil
			}
		}
		if !needConfirm {
			for _, re := range a.confirmRe {
				if re.MatchString(command) {
					needConfirm = true
					break
				}
			}
		}
	}

	if a.closing.Load() {
		if !needConfirm && !gated(a.mode, class) {
			return allowResult(), nil
		}
		if !needConfirm && class == ClassEdit && a.editUnderHome(input) {
			return allowResult(), nil
		}
		return denyResult("session is closing; nobody can approve this call"), nil
	}

	if !needConfirm && !gated(a.mode, class) {
		return allowResult(), nil
	}

	approved, err := a.ask(ctx, &Prompt{
		AgentID:  a.agentID,
		ToolName: toolName,
		Summary:  runewidth.Truncate(summarize(toolName, input), promptSummaryWidth, "…"),
		Detail:   Preview(toolName, input),
	})
	switch {
	case errors.Is(err, ErrInterrupted):
		interrupt := true
		res := denyResult("interrupted")
		res.Interrupt = &interrupt
		return res, nil
	case err != nil:
		return denyResult("approval unavailable: " + err.Error()), nil
	case !approved:
		return denyResult("user rejected"), nil
	}
	return allowResult(), nil
}

// ask funnels every prompt through the single UI slot and keeps the cancel
// hook registered so Interrupt can resolve it from another goroutine.
func (a *Arbiter) ask(ctx context.Context, p *Prompt) (bool, error) {
	a.slotMu.Lock()
	defer a.slotMu.Unlock()

	askCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.stateMu.Lock()
	a.pending = cancel
	a.stateMu.Unlock()
	defer func() {
		a.stateMu.Lock()
		a.pending = nil
		a.stateMu.Unlock()
	}()

	approved, err := a.prompter.Ask(askCtx, p)
	if cause := context.Cause(askCtx); errors.Is(cause, ErrInterrupted) {
		return false, ErrInterrupted
	}
	return approved, err
}

// Interrupt denies the pending prompt, if any. Safe to call at any time.
func (a *Arbiter) Interrupt() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.pending != nil {
		a.pending(ErrInterrupted)
	}
}

// editUnderHome reports whether an edit-class call targets a path inside the
// harness home. Relative paths resolve against the runtime's working
// directory, not ours, so only absolute paths qualify.
func (a *Arbiter) editUnderHome(input map[string]any) bool {
	path, _ := input["file_path"].(string)
	if path == "" {
		path, _ = input["notebook_path"].(string)
	}
	if a.homeRoot == "" || !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(a.homeRoot, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// summarize renders the one-line description shown in the prompt header.
func summarize(toolName string, input map[string]any) string {
	switch Classify(toolName) {
	case ClassExec:
		command, _ := input["command"].(string)
		if line, _, found := strings.Cut(command, "\n"); found {
			return line + " ..."
		}
		return command
	case ClassEdit:
		path, _ := input["file_path"].(string)
		return fmt.Sprintf("%s %s", strings.ToLower(toolName), path)
	case ClassWeb:
		if url, ok := input["url"].(string); ok {
			return url
		}
		query, _ := input["query"].(string)
		return query
	}
	return toolName
}
