// Package console renders session events as terminal lines, the transport
// behind CLI followers. Agent text streams inline; lifecycle records get one
// line each. The transport is output-only: pair it with the HTTP or
// WebSocket surface to answer prompts.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/hub"
)

// Options configures the rendering.
type Options struct {
	// Verbose additionally renders thinking deltas, tool completions,
	// phase/agent completions, state updates, replies and detailed
	// narrative.
	Verbose bool
	// Timestamps prefixes line records with the event clock (HH:MM:SS).
	Timestamps bool
}

// maxInlineJSON bounds tool inputs and outputs rendered on one line.
const maxInlineJSON = 120

// Transport returns a hub.Transport rendering the session to w. The cleanup
// detaches the renderer; w is never closed.
func Transport(w io.Writer, opts *Options) hub.Transport {
	return func(h *hub.Hub) (func(), error) {
		r := newRenderer(w, opts)
		return h.Subscribe("*", r.render), nil
	}
}

// renderer serializes writes; hubs dispatch from their own pumps, and one
// writer may serve several sessions.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	stamps  bool

	// midLine is true while streamed agent text has not reached a line
	// break, so the next record starts on a fresh line.
	midLine bool
}

func newRenderer(w io.Writer, opts *Options) *renderer {
	r := &renderer{w: w}
	if opts != nil {
		r.verbose = opts.Verbose
		r.stamps = opts.Timestamps
	}
	return r
}

func (r *renderer) render(ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Name {
	case event.WorkflowStarted:
		var p event.WorkflowStartedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "== workflow %s: %s", p.WorkflowName, p.Input)

	case event.WorkflowCompleted:
		var p event.WorkflowCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "== completed in %s", time.Duration(p.DurationMS)*time.Millisecond)

	case event.WorkflowFailed:
		var p event.WorkflowFailedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Message != "" {
			return r.line(ev, "== failed: %s (%s)", p.Message, p.Code)
		}
		return r.line(ev, "== failed: %s", p.Code)

	case event.PhaseStart:
		var p event.PhasePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- phase %s", p.Name)

	case event.PhaseComplete:
		if !r.verbose {
			return nil
		}
		var p event.PhasePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- phase %s done", p.Name)

	case event.TaskStart:
		var p event.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- task %s", p.Name)

	case event.TaskComplete:
		if !r.verbose {
			return nil
		}
		var p event.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- task %s done", p.Name)

	case event.TaskFailed:
		var p event.TaskPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "! task %s failed: %s", p.Name, firstOf(p.Message, p.Code))

	case event.AgentStarted:
		var p event.AgentStartedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- agent %s", p.AgentName)

	case event.AgentText:
		var p event.AgentTextPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.delta(p.Text)

	case event.AgentThinking:
		if !r.verbose {
			return nil
		}
		var p event.AgentThinkingPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.delta(p.Thinking)

	case event.AgentToolStart:
		var p event.AgentToolStartPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if len(p.Input) > 0 {
			return r.line(ev, "> tool %s %s", p.ToolName, truncate(string(p.Input), maxInlineJSON))
		}
		return r.line(ev, "> tool %s", p.ToolName)

	case event.AgentToolComplete:
		var p event.AgentToolCompletePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.IsError {
			return r.line(ev, "< tool %s failed: %s", p.ToolID, truncate(string(p.Output), maxInlineJSON))
		}
		if !r.verbose {
			return nil
		}
		return r.line(ev, "< tool %s done", p.ToolID)

	case event.AgentCompleted:
		if !r.verbose {
			return nil
		}
		var p event.AgentCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "-- agent %s done", p.AgentName)

	case event.AgentFailed:
		var p event.AgentFailedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "! agent %s failed: %s", p.AgentName, firstOf(p.Message, p.Reason))

	case event.AgentRetry:
		var p event.AgentRetryPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "! retry %d for %s in %s: %s",
			p.Attempt, p.AgentName, time.Duration(p.DelayMS)*time.Millisecond, p.Reason)

	case event.StateUpdated:
		if !r.verbose {
			return nil
		}
		var p event.StateUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "state %s", truncate(string(p.State), maxInlineJSON))

	case event.SessionPrompt:
		var p event.SessionPromptPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if len(p.Choices) > 0 {
			return r.line(ev, "? %s [%s] (prompt %s)", p.Prompt, strings.Join(p.Choices, "|"), p.PromptID)
		}
		return r.line(ev, "? %s (prompt %s)", p.Prompt, p.PromptID)

	case event.SessionReply:
		if !r.verbose {
			return nil
		}
		var p event.SessionReplyPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return r.line(ev, "> reply %s (prompt %s)", firstOf(p.Choice, p.Content), p.PromptID)

	case event.SessionPaused, event.SessionResumed, event.SessionAborted:
		var p event.SessionLifecyclePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		verb := strings.TrimPrefix(string(ev.Name), "session:")
		if p.Reason != "" {
			return r.line(ev, "* %s: %s", verb, p.Reason)
		}
		return r.line(ev, "* %s", verb)

	case event.Narrative:
		var p event.NarrativePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Importance == event.ImportanceDetailed && !r.verbose {
			return nil
		}
		return r.line(ev, "* %s", p.Text)

	default:
		if !r.verbose {
			return nil
		}
		return r.line(ev, "%s", ev.Name)
	}
}

// line writes one record, closing any streamed text first.
func (r *renderer) line(ev *event.Event, format string, args ...any) error {
	var b strings.Builder
	if r.midLine {
		b.WriteByte('\n')
		r.midLine = false
	}
	if r.stamps {
		b.WriteString(ev.Timestamp.Format("15:04:05 "))
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	_, err := io.WriteString(r.w, b.String())
	return err
}

// delta streams agent text inline.
func (r *renderer) delta(text string) error {
	if text == "" {
		return nil
	}
	if _, err := io.WriteString(r.w, text); err != nil {
		return err
	}
	r.midLine = !strings.HasSuffix(text, "\n")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
