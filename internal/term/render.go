package term

import (
	"fmt"
	"strings"

	"github.com/kaselby/aleph-harness/internal/agent"
)

// Render prints a session event. Safe to call from any goroutine.
func (f *Front) Render(ev agent.Event) {
	f.outMu.Lock()
	defer f.outMu.Unlock()

	switch ev.Type {
	case agent.EventText:
		if f.think {
			fmt.Fprint(f.out, "\n")
			f.think = false
		}
		fmt.Fprint(f.out, ev.Text)
		f.midline = !strings.HasSuffix(ev.Text, "\n")
	case agent.EventThinking:
		if !f.think {
			fmt.Fprint(f.out, "(thinking)")
			f.think = true
			f.midline = true
		}
	case agent.EventToolUse:
		f.breakLine()
		if ev.Detail != "" {
			fmt.Fprintf(f.out, "[%s] %s\n", ev.Tool, ev.Detail)
		} else {
			fmt.Fprintf(f.out, "[%s]\n", ev.Tool)
		}
	case agent.EventToolResult:
		if ev.IsError {
			f.breakLine()
			fmt.Fprintf(f.out, "  ! %s\n", ev.Detail)
		}
	case agent.EventTurnEnd:
		f.breakLine()
		if ev.IsError && ev.Detail != "" {
			fmt.Fprintf(f.out, "! %s\n", ev.Detail)
		}
		fmt.Fprint(f.out, "\n")
	case agent.EventBanner:
		f.breakLine()
		fmt.Fprintf(f.out, "[aleph] %s\n", ev.Text)
	}
}

// Banner prints a harness notice outside of any event stream.
func (f *Front) Banner(format string, args ...any) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	f.breakLine()
	fmt.Fprintf(f.out, "[aleph] "+format+"\n", args...)
}

func (f *Front) breakLine() {
	if f.midline || f.think {
		fmt.Fprint(f.out, "\n")
		f.midline = false
		f.think = false
	}
}
