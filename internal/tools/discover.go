// Package tools discovers user tool scripts under the shared home and runs
// them through a persistent shell owned by the harness.
//
// A tool script is any runnable file in ~/.aleph/tools that opens with a
// YAML manifest between delimiter lines, after an optional shebang:
//
//	#!/usr/bin/env bash
//	# ---
//	# name: weather
//	# description: Fetch the forecast for a city.
//	# arguments:
//	#   - name: city
//	#     required: true
//	# ---
//
// Inside executable scripts each manifest line carries a leading comment
// marker so the header survives the interpreter; bare delimiter lines work
// too for manifests that are not comments.
package tools

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kaselby/aleph-harness/internal/home"
)

// manifestMaxLines bounds how far into a file the header scan looks.
const manifestMaxLines = 64

var errNoManifest = errors.New("no manifest header")

// Argument describes one positional parameter a script accepts.
type Argument struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Script is a user tool discovered under the tools directory.
type Script struct {
	Name        string
	Description string
	Arguments   []Argument
	Path        string
}

type manifest struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Arguments   []Argument `yaml:"arguments"`
}

// Discover scans dir for runnable scripts with a parseable manifest and
// returns them sorted by name. Files without a manifest are ignored;
// malformed manifests are skipped with a warning, never fatal. A missing
// directory yields an empty catalogue.
func Discover(dir string) ([]Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	var out []Script
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !runnable(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := readManifest(path)
		if err != nil {
			if !errors.Is(err, errNoManifest) {
				slog.Warn("skipping tool script", "path", path, "error", err)
			}
			continue
		}
		out = append(out, Script{
			Name:        m.Name,
			Description: m.Description,
			Arguments:   m.Arguments,
			Path:        path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// runnable accepts files with an executable bit or a recognised interpreter
// suffix (scripts dropped in without chmod still count).
func runnable(e os.DirEntry) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	if info.Mode()&0o111 != 0 {
		return true
	}
	ext := filepath.Ext(e.Name())
	return ext == ".py" || ext == ".sh"
}

func readManifest(path string) (manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest{}, err
	}
	defer f.Close()

	var (
		lines  []string
		inside bool
		closed bool
	)
	sc := bufio.NewScanner(f)
	for n := 0; sc.Scan() && n < manifestMaxLines; n++ {
		line := sc.Text()
		if n == 0 && strings.HasPrefix(line, "#!") {
			continue
		}
		stripped := stripComment(line)
		if strings.TrimSpace(stripped) == "---" {
			if inside {
				closed = true
				break
			}
			inside = true
			continue
		}
		if !inside {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return manifest{}, errNoManifest
		}
		lines = append(lines, stripped)
	}
	if err := sc.Err(); err != nil {
		return manifest{}, err
	}
	if !inside {
		return manifest{}, errNoManifest
	}
	if !closed {
		return manifest{}, fmt.Errorf("manifest not terminated")
	}

	var m manifest
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return manifest{}, fmt.Errorf("manifest missing name")
	}
	return m, nil
}

// stripComment removes a leading comment marker while preserving the
// indentation after it, so nested YAML survives.
func stripComment(line string) string {
	if after, ok := strings.CutPrefix(line, "# "); ok {
		return after
	}
	if strings.TrimSpace(line) == "#" {
		return ""
	}
	return line
}

// Catalogue renders the discovered scripts as a markdown list for the
// system prompt.
func Catalogue(scripts []Script) string {
	if len(scripts) == 0 {
		return "(no user tools installed)"
	}
	var b strings.Builder
	for i, s := range scripts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- **")
		b.WriteString(s.Name)
		b.WriteString("**")
		if sig := signature(s.Arguments); sig != "" {
			b.WriteString(" `")
			b.WriteString(sig)
			b.WriteString("`")
		}
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
	}
	return b.String()
}

// signature formats positional arguments, required ones in angle brackets.
func signature(args []Argument) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a.Required {
			parts = append(parts, "<"+a.Name+">")
		} else {
			parts = append(parts, "["+a.Name+"]")
		}
	}
	return strings.Join(parts, " ")
}

// ExpandDescriptions substitutes the tool catalogue into a system prompt.
func ExpandDescriptions(prompt string, scripts []Script) string {
	return strings.ReplaceAll(prompt, home.ToolDescriptionsMarker, Catalogue(scripts))
}
