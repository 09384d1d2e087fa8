// Package term is the line-mode terminal front: it renders session events
// as plain text, asks permission questions, and reads user turns. One stdin
// line stream is shared between turns and prompts; a pending prompt claims
// the next line so an answer is never submitted as a turn.
package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kaselby/aleph-harness/internal/permission"
)

type line struct {
	text string
	err  error
}

// Front multiplexes one terminal between the session's input and the
// permission prompter. At most one turn read and one prompt run at a time.
type Front struct {
	lines chan line

	outMu   sync.Mutex
	out     io.Writer
	midline bool // deltas left the cursor mid-line
	think   bool // inside a thinking burst

	stateMu sync.Mutex
	claimed chan line // non-nil while a prompt owns the next line
	backlog []line    // lines that arrived in a claim handover window
}

// New starts reading in immediately. The front never closes in; it stops
// reading at EOF.
func New(in io.Reader, out io.Writer) *Front {
	f := &Front{
		out:   out,
		lines: make(chan line),
	}
	go f.pump(in)
	return f
}

func (f *Front) pump(in io.Reader) {
	defer close(f.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		f.lines <- line{text: sc.Text()}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	f.lines <- line{err: err}
}

// Next returns the user's next turn. Lines claimed by a pending permission
// prompt are handed over instead of returned.
func (f *Front) Next(ctx context.Context) (string, error) {
	for {
		if l, ok := f.takeBacklog(); ok {
			if l.err != nil {
				return "", l.err
			}
			return l.text, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case l, ok := <-f.lines:
			if !ok {
				return "", io.EOF
			}
			if f.forward(l) {
				continue
			}
			if l.err != nil {
				return "", l.err
			}
			return l.text, nil
		}
	}
}

// takeBacklog pops the oldest handed-over line, unless a prompt is pending.
func (f *Front) takeBacklog() (line, bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.claimed != nil || len(f.backlog) == 0 {
		return line{}, false
	}
	l := f.backlog[0]
	f.backlog = f.backlog[1:]
	return l, true
}

// forward routes a line to the pending prompt. Reports whether it was taken.
func (f *Front) forward(l line) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.claimed == nil {
		return false
	}
	select {
	case f.claimed <- l:
	default:
		// The prompt already has its answer in flight; keep this one.
		f.backlog = append(f.backlog, l)
	}
	return true
}

// Ask implements permission.Prompter. Anything but y/yes denies.
func (f *Front) Ask(ctx context.Context, p *permission.Prompt) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[aleph] %s wants %s: %s\n", p.AgentID, p.ToolName, p.Summary)
	if p.Detail != "" {
		b.WriteString(indent(p.Detail))
	}
	b.WriteString("Allow? [y/N] ")
	f.write(b.String())

	l, err := f.answer(ctx)
	if err != nil {
		f.write("\n")
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(l.text)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// answer claims the next input line for the prompt.
func (f *Front) answer(ctx context.Context) (line, error) {
	claimed := make(chan line, 1)
	f.stateMu.Lock()
	if len(f.backlog) > 0 {
		l := f.backlog[0]
		f.backlog = f.backlog[1:]
		f.stateMu.Unlock()
		if l.err != nil {
			return line{}, l.err
		}
		return l, nil
	}
	f.claimed = claimed
	f.stateMu.Unlock()

	defer func() {
		f.stateMu.Lock()
		f.claimed = nil
		select {
		case l := <-claimed:
			// Handed over after we resolved; it belongs to the next turn.
			f.backlog = append(f.backlog, l)
		default:
		}
		f.stateMu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return line{}, ctx.Err()
	case l, ok := <-f.lines:
		if !ok {
			return line{}, io.EOF
		}
		if l.err != nil {
			return line{}, l.err
		}
		return l, nil
	case l := <-claimed:
		if l.err != nil {
			return line{}, l.err
		}
		return l, nil
	}
}

func indent(s string) string {
	var b strings.Builder
	for _, ln := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("  ")
		b.WriteString(ln)
		b.WriteString("\n")
	}
	return b.String()
}

func (f *Front) write(s string) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	fmt.Fprint(f.out, s)
}
