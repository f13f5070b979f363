package scaffold

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
)

// replayPoint is where a resumed loop picks the workflow back up: the
// reconstructed state, the phase to enter and, when the interrupted phase
// was a prompt, the prompt context to reuse.
type replayPoint struct {
	phase        string
	phaseStarted bool
	state        workflow.State
	startedAt    time.Time
	prompt       *promptState
}

// reconstruct rebuilds the replay point from the session's event log. The
// state is the replay of all state:updated events; the phase is the last
// phase:start without a matching phase:complete, or the successor of the
// last completed phase. An in-progress phase is re-entered without a second
// phase:start and its step re-runs from scratch, except prompts: a pending
// prompt keeps its id and an offline reply is applied instead of re-asking.
func (r *sessionRun) reconstruct(ctx context.Context) (replayPoint, error) {
	events, err := r.sc.events.Events(ctx, r.sessionID)
	if err != nil {
		return replayPoint{}, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return replayPoint{}, &workflow.SessionNotFoundError{SessionID: r.sessionID}
	}

	rp := replayPoint{phase: r.wf.Entry(), startedAt: events[0].Timestamp}
	if raw, ok := r.replayState(ctx, events); ok {
		state, err := workflow.DecodeState(raw)
		if err != nil {
			return replayPoint{}, fmt.Errorf("decode replayed state: %w", err)
		}
		rp.state = state
	} else {
		rp.state = r.wf.Seed(r.input)
	}

	var current, lastComplete string
	for _, ev := range events {
		switch ev.Name {
		case event.PhaseStart:
			var p event.PhasePayload
			if err := ev.Decode(&p); err != nil {
				return replayPoint{}, fmt.Errorf("decode %s: %w", ev.Name, err)
			}
			current = p.Name
		case event.PhaseComplete:
			var p event.PhasePayload
			if err := ev.Decode(&p); err != nil {
				return replayPoint{}, fmt.Errorf("decode %s: %w", ev.Name, err)
			}
			current, lastComplete = "", p.Name
		}
	}
	switch {
	case current != "":
		rp.phase = current
		rp.phaseStarted = true
	case lastComplete != "":
		phase, ok := r.wf.Phase(lastComplete)
		if !ok {
			return replayPoint{}, fmt.Errorf("workflow %s has no phase %q", r.wf.Name(), lastComplete)
		}
		rp.phase = phase.Next
	}

	// Prompt context only carries over when the interrupted phase is itself
	// a prompt step. Prompts inside nested workflows re-run from scratch
	// like any other step.
	if rp.phaseStarted {
		if phase, ok := r.wf.Phase(rp.phase); ok {
			if _, isPrompt := phase.Run.(workflow.PromptStep); isPrompt {
				rp.prompt = latestPrompt(events)
			}
		}
	}
	return rp, nil
}

// replayState derives the resumed state. A snapshot whose position matches
// the log length is trusted as-is; a missing or stale snapshot falls back to
// a full replay of the log, which stays authoritative either way.
func (r *sessionRun) replayState(ctx context.Context, events []*event.Event) (raw []byte, ok bool) {
	snap, err := r.sc.snapshots.Latest(ctx, r.sessionID)
	if err != nil {
		r.sc.logger.Warn(ctx, "snapshot load failed, replaying log",
			"session_id", r.sessionID, "err", err)
	} else if snap != nil && snap.Position == len(events) && len(snap.State) > 0 {
		return snap.State, true
	}
	return event.StateAt(events, len(events))
}

// latestPrompt extracts the most recent prompt and, when present, the reply
// that answered it.
func latestPrompt(events []*event.Event) *promptState {
	var ps *promptState
	for _, ev := range events {
		switch ev.Name {
		case event.SessionPrompt:
			var p event.SessionPromptPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			ps = &promptState{id: p.PromptID}
		case event.SessionReply:
			var p event.SessionReplyPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			if ps != nil && ps.id == p.PromptID {
				ps.answered = true
				ps.content = p.Content
				ps.choice = p.Choice
			}
		}
	}
	return ps
}
