// Package dispatch pushes inbox traffic into a live session. A busy agent
// hears about new mail as additional context on its next tool call; an idle
// agent gets a synthetic user turn. Announcements are keyed by message id,
// so a message is surfaced at most once per session but stays unread until
// the agent explicitly marks it, which makes delivery at-least-once across
// sessions.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/kaselby/aleph-harness/internal/config"
	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/hooks"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// cronPollInterval is how often reminder schedules are evaluated.
const cronPollInterval = 30 * time.Second

// Submitter injects a synthetic user turn into the running session.
type Submitter interface {
	SubmitUserTurn(ctx context.Context, content string) error
}

// Dispatcher watches one agent's inbox and decides when and how the session
// hears about it.
type Dispatcher struct {
	agentID string
	home    home.Home
	inbox   *inbox.Service
	sub     Submitter
	limiter *rate.Limiter
	cron    *gronx.Gronx

	reminderEvery int
	schedules     []config.ReminderSchedule

	mu            sync.Mutex
	closing       bool
	busy          bool
	announced     map[string]bool
	toolCalls     int
	reminders     []string
	lastCronCheck string // minute marker so each schedule fires once per match
	kick          chan struct{}
}

// New wires a dispatcher. The submitter may be nil until the runtime is up;
// idle injection is skipped while it is.
func New(agentID string, h home.Home, ib *inbox.Service, cfg config.DispatchConfig, rem config.RemindersConfig) *Dispatcher {
	perMinute := cfg.WakePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.WakeBurst
	if burst <= 0 {
		burst = 5
	}
	return &Dispatcher{
		agentID:       agentID,
		home:          h,
		inbox:         ib,
		limiter:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		cron:          gronx.New(),
		reminderEvery: rem.ToolCallInterval,
		schedules:     rem.Schedules,
		announced:     make(map[string]bool),
		kick:          make(chan struct{}, 1),
	}
}

// SetSubmitter installs the live session's turn injector.
func (d *Dispatcher) SetSubmitter(sub Submitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sub = sub
}

// SetBusy flips the busy flag. Going idle kicks a flush so mail that arrived
// mid-turn is announced without waiting for the next watcher event.
func (d *Dispatcher) SetBusy(busy bool) {
	d.mu.Lock()
	d.busy = busy
	d.mu.Unlock()
	if !busy {
		d.Kick()
	}
}

// Kick schedules a flush attempt. Non-blocking, coalesced.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// BeginShutdown silences the dispatcher for the closing turns: no more
// announcements, reminders, or stop denials. Unread mail stays unread and is
// picked up by the next session.
func (d *Dispatcher) BeginShutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closing = true
}

// Run watches the inbox until ctx ends. It owns the watcher and a periodic
// wake ticker; every wake evaluates reminder schedules before flushing.
func (d *Dispatcher) Run(ctx context.Context) error {
	watcher, err := platform.WatchDir(d.home.InboxDir(d.agentID))
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	defer watcher.Close()

	ticker := time.NewTicker(cronPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.C:
			d.flushIdle(ctx)
		case <-d.kick:
			d.flushIdle(ctx)
		case <-ticker.C:
			d.flushIdle(ctx)
		}
	}
}

// checkSchedules queues a reminder for every cron expression due this
// minute.
func (d *Dispatcher) checkSchedules() {
	minute := time.Now().Format("2006-01-02T15:04")
	d.mu.Lock()
	defer d.mu.Unlock()
	if minute == d.lastCronCheck {
		return
	}
	d.lastCronCheck = minute
	for _, s := range d.schedules {
		due, err := d.cron.IsDue(s.Cron)
		if err != nil {
			slog.Warn("bad reminder schedule", "component", "dispatch", "cron", s.Cron, "error", err)
			continue
		}
		if due {
			d.reminders = append(d.reminders, "[Reminder]: "+s.Message)
		}
	}
}

// flushIdle injects pending announcements as a synthetic user turn when the
// session is idle. Busy sessions are left alone; the PostToolUse hook will
// pick the same items up.
func (d *Dispatcher) flushIdle(ctx context.Context) {
	d.mu.Lock()
	if d.closing || d.busy || d.sub == nil {
		d.mu.Unlock()
		return
	}
	sub := d.sub
	d.mu.Unlock()

	d.checkSchedules()
	lines, err := d.collect(ctx)
	if err != nil {
		slog.Warn("inbox scan failed", "component", "dispatch", "error", err)
		return
	}
	if len(lines) == 0 {
		return
	}
	if !d.limiter.Allow() {
		// Leave the items unannounced; the next wake retries.
		d.unannounce(lines)
		return
	}
	if err := sub.SubmitUserTurn(ctx, strings.Join(lines.text(), "\n")); err != nil {
		slog.Warn("turn injection failed", "component", "dispatch", "error", err)
		d.unannounce(lines)
	}
}

// announcement pairs the rendered line with the id it announces, so a failed
// injection can be rolled back.
type announcement struct {
	id   string
	line string
}

type announcements []announcement

func (a announcements) text() []string {
	out := make([]string, len(a))
	for i, item := range a {
		out[i] = item.line
	}
	return out
}

// collect gathers unannounced unread messages plus queued reminders and
// marks them announced.
func (d *Dispatcher) collect(ctx context.Context) (announcements, error) {
	metas, err := d.inbox.ListUnread(ctx, d.agentID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out announcements
	for _, m := range metas {
		if d.announced[m.ID] {
			continue
		}
		d.announced[m.ID] = true
		out = append(out, announcement{id: m.ID, line: d.format(m)})
	}
	for _, r := range d.reminders {
		out = append(out, announcement{line: r})
	}
	d.reminders = nil
	return out, nil
}

func (d *Dispatcher) unannounce(items announcements) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range items {
		if item.id != "" {
			delete(d.announced, item.id)
		} else {
			d.reminders = append(d.reminders, item.line)
		}
	}
}

// format renders one announcement line: sender, channel if any, summary, and
// where to read the full body.
func (d *Dispatcher) format(m message.Meta) string {
	path := d.home.MessagePath(d.agentID, m.ID)
	if m.Channel != "" {
		return fmt.Sprintf("[Message from %s in #%s]: %s (full message at %s)", m.From, m.Channel, m.Summary, path)
	}
	return fmt.Sprintf("[Message from %s]: %s (full message at %s)", m.From, m.Summary, path)
}

// RegisterHooks attaches the dispatcher to the session lifecycle.
func (d *Dispatcher) RegisterHooks(bus *hooks.Bus) {
	bus.Register(protocol.HookEventSessionStart, "dispatch.session-start", d.onSessionStart)
	bus.Register(protocol.HookEventPostToolUse, "dispatch.post-tool", d.onPostToolUse)
	bus.Register(protocol.HookEventStop, "dispatch.stop", d.onStop)
}

// onSessionStart announces everything unread at the top of a fresh session.
func (d *Dispatcher) onSessionStart(ctx context.Context, _ *hooks.Request) (hooks.Response, error) {
	d.mu.Lock()
	d.announced = make(map[string]bool)
	d.toolCalls = 0
	d.mu.Unlock()

	items, err := d.collect(ctx)
	if err != nil {
		return hooks.Response{}, err
	}
	if len(items) == 0 {
		return hooks.Response{}, nil
	}
	return hooks.Response{Context: strings.Join(items.text(), "\n")}, nil
}

// onPostToolUse surfaces mail that arrived mid-turn, queues schedule
// reminders that came due, and fires the periodic tool-call reminder.
func (d *Dispatcher) onPostToolUse(ctx context.Context, _ *hooks.Request) (hooks.Response, error) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return hooks.Response{}, nil
	}
	d.toolCalls++
	remind := d.reminderEvery > 0 && d.toolCalls%d.reminderEvery == 0
	d.mu.Unlock()

	d.checkSchedules()
	items, err := d.collect(ctx)
	if err != nil {
		return hooks.Response{}, err
	}
	lines := items.text()
	if remind {
		metas, err := d.inbox.ListUnread(ctx, d.agentID)
		if err == nil {
			lines = append(lines, fmt.Sprintf(
				"[Reminder]: periodic check-in: %d unread message(s); review the task board for open work.", len(metas)))
		}
	}
	if len(lines) == 0 {
		return hooks.Response{}, nil
	}
	return hooks.Response{Context: strings.Join(lines, "\n")}, nil
}

// onStop keeps the session alive while unread mail is waiting.
func (d *Dispatcher) onStop(ctx context.Context, _ *hooks.Request) (hooks.Response, error) {
	d.mu.Lock()
	closing := d.closing
	d.mu.Unlock()
	if closing {
		return hooks.Response{}, nil
	}
	metas, err := d.inbox.ListUnread(ctx, d.agentID)
	if err != nil {
		return hooks.Response{}, err
	}
	if len(metas) == 0 {
		return hooks.Response{}, nil
	}
	return hooks.Response{
		Decision: protocol.DecisionDeny,
		Reason:   fmt.Sprintf("%d unread message(s) in your inbox; read and handle them before stopping.", len(metas)),
	}, nil
}
