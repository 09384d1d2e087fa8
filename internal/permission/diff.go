package permission

import (
	"fmt"
	"os"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// previewMaxRunes caps the detail block shown in a prompt.
const previewMaxRunes = 4000

// Preview renders what the tool call would do: a unified diff for edits, the
// command for shell, nothing for the rest.
func Preview(toolName string, input map[string]any) string {
	var detail string
	switch toolName {
	case protocol.ToolBash:
		detail, _ = input["command"].(string)
	case protocol.ToolWrite:
		detail = writeDiff(input)
	case protocol.ToolEdit:
		detail = editDiff(input, singleEdit(input))
	case protocol.ToolMultiEdit:
		detail = editDiff(input, multiEdits(input))
	}
	return truncate(detail, previewMaxRunes)
}

type textEdit struct {
	old        string
	new        string
	replaceAll bool
}

func singleEdit(input map[string]any) []textEdit {
	oldStr, _ := input["old_string"].(string)
	newStr, _ := input["new_string"].(string)
	replaceAll, _ := input["replace_all"].(bool)
	return []textEdit{{old: oldStr, new: newStr, replaceAll: replaceAll}}
}

func multiEdits(input map[string]any) []textEdit {
	raw, _ := input["edits"].([]any)
	var edits []textEdit
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		oldStr, _ := m["old_string"].(string)
		newStr, _ := m["new_string"].(string)
		replaceAll, _ := m["replace_all"].(bool)
		edits = append(edits, textEdit{old: oldStr, new: newStr, replaceAll: replaceAll})
	}
	return edits
}

func writeDiff(input map[string]any) string {
	path, _ := input["file_path"].(string)
	content, _ := input["content"].(string)
	before := readOrEmpty(path)
	return unified(path, before, content)
}

func editDiff(input map[string]any, edits []textEdit) string {
	path, _ := input["file_path"].(string)
	before := readOrEmpty(path)
	after := before
	for _, e := range edits {
		n := 1
		if e.replaceAll {
			n = -1
		}
		after = strings.Replace(after, e.old, e.new, n)
	}
	if after == before && len(edits) > 0 {
		// Old string absent from the file: show the intended replacement so
		// the user still sees what was asked for.
		return unified(path, edits[0].old, edits[0].new)
	}
	return unified(path, before, after)
}

func unified(path, before, after string) string {
	if before == after {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path+" (proposed)", before, edits))
}

func readOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n... (truncated)"
}
