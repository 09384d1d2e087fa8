package permission

import (
	"regexp"
	"strings"
)

// Danger tiers for bash screening. Block is denied without asking; confirm
// forces a prompt even in modes where shell is auto-allowed.
const (
	tierBlock   = "block"
	tierConfirm = "confirm"
)

type guardrail struct {
	re   *regexp.Regexp
	desc string
}

// Built-in screening tiers. Config patterns extend these, they never replace
// them.
var (
	builtinBlock = []guardrail{
		{regexp.MustCompile(`\brm\s+-\S*r\S*\s+/\s*$`), "recursive delete from filesystem root"},
		{regexp.MustCompile(`\brm\s+-\S*r\S*\s+/\*`), "recursive delete from filesystem root"},
		{regexp.MustCompile(`\brm\s+-\S*r\S*\s+~/?\s*$`), "recursive delete of home directory"},
		{regexp.MustCompile(`\bmkfs\b`), "format filesystem"},
		{regexp.MustCompile(`\bdd\b.*\bof\s*=\s*/dev/`), "write directly to raw device"},
		{regexp.MustCompile(`:\(\)\s*\{.*:\|:`), "fork bomb"},
	}

	builtinConfirm = []guardrail{
		{regexp.MustCompile(`\bgit\s+push\b`), "git push"},
		{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), "git reset --hard (discards changes)"},
		{regexp.MustCompile(`\bgit\s+clean\b.*-\w*f`), "git clean (deletes untracked files)"},
		{regexp.MustCompile(`\btmux\s+kill-(session|server)\b`), "kill tmux session/server"},
		{regexp.MustCompile(`\bkillall\s`), "kill processes by name (killall)"},
		{regexp.MustCompile(`\bpkill\s`), "kill processes by pattern (pkill)"},
	}

	rmWord       = regexp.MustCompile(`\brm\s`)
	rmFlagGroup  = regexp.MustCompile(`\brm\s+.*-\w*(?:r\w*f|f\w*r)`)
	rmTail       = regexp.MustCompile(`\brm\s(.*)`)
	rmShortFlags = regexp.MustCompile(`-(\w+)`)
)

// classifyDanger screens one bash command against the built-in tiers.
// Returns the tier and a human description, or ("", "") for a clean command.
func classifyDanger(command string) (string, string) {
	for _, g := range builtinBlock {
		if g.re.MatchString(command) {
			return tierBlock, g.desc
		}
	}
	if hasRmRF(command) {
		return tierConfirm, "recursive force delete (rm -rf)"
	}
	for _, g := range builtinConfirm {
		if g.re.MatchString(command) {
			return tierConfirm, g.desc
		}
	}
	return "", ""
}

// hasRmRF detects rm carrying both -r and -f, whether combined in one flag
// group or spread across the command line.
func hasRmRF(command string) bool {
	if !rmWord.MatchString(command) {
		return false
	}
	if rmFlagGroup.MatchString(command) {
		return true
	}
	m := rmTail.FindStringSubmatch(command)
	if m == nil {
		return false
	}
	var all strings.Builder
	for _, flags := range rmShortFlags.FindAllStringSubmatch(m[1], -1) {
		all.WriteString(flags[1])
	}
	return strings.Contains(all.String(), "r") && strings.Contains(all.String(), "f")
}
