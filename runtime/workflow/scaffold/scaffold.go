// Package scaffold implements the session lifecycle owner. A Scaffold holds
// the workflow registry, the stores, the bus and the provider mode, and runs
// one background session loop per live session. All public methods are safe
// for concurrent use.
//
// The scaffold is the single writer of every live session's event log: loops
// append first and publish second, so the store is always ahead of anything
// a subscriber observes. Operations on sessions without a live loop (offline
// replies, aborts, forks) go through the scaffold directly under the same
// append-then-publish rule.
package scaffold

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
	eventsinmem "github.com/weftlab/weft/runtime/workflow/eventstore/inmem"
	"github.com/weftlab/weft/runtime/workflow/hub"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	recsinmem "github.com/weftlab/weft/runtime/workflow/recorder/inmem"
	"github.com/weftlab/weft/runtime/workflow/snapshot"
	snapsinmem "github.com/weftlab/weft/runtime/workflow/snapshot/inmem"
	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

// DefaultStepTimeout bounds one agent streaming attempt when neither the
// agent nor Options sets a timeout.
const DefaultStepTimeout = 5 * time.Minute

var (
	// ErrClosed reports an operation on a closed scaffold.
	ErrClosed = errors.New("scaffold is closed")
	// ErrNotRunning reports an inbound command for a session without a live
	// loop.
	ErrNotRunning = errors.New("session is not running")
	// ErrNoPendingPrompt reports a reply for a session that is not awaiting
	// input.
	ErrNoPendingPrompt = errors.New("session has no pending prompt")
	// ErrNoState reports a state read at a position before the first state
	// update.
	ErrNoState = errors.New("no state recorded at this position")
)

type (
	// Options configures a Scaffold. Every field is optional: nil stores get
	// in-memory implementations, nil telemetry gets noops and a zero Mode
	// means live.
	Options struct {
		// Mode selects live or playback execution for every session the
		// scaffold runs. A scaffold has exactly one mode for its lifetime.
		Mode provider.Mode
		// Events is the append-only session log.
		Events eventstore.Store
		// Snapshots is the advisory state snapshot store.
		Snapshots snapshot.Store
		// Recordings is the provider recording store backing live recording
		// and playback.
		Recordings recorder.Store
		// Bus distributes session events to subscribers.
		Bus *bus.Bus
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and timers for session execution.
		Metrics telemetry.Metrics
		// Tracer emits spans for session and step execution.
		Tracer telemetry.Tracer
		// Retry bounds retries of retryable provider failures.
		Retry RetryPolicy
		// StepTimeout bounds one agent streaming attempt for agents without
		// their own timeout.
		StepTimeout time.Duration
		// SnapshotEvery saves a state snapshot every N state updates;
		// 0 means every update.
		SnapshotEvery int
	}

	// Scaffold owns workflows, stores and live session loops.
	Scaffold struct {
		mode          provider.Mode
		events        eventstore.Store
		snapshots     snapshot.Store
		recordings    recorder.Store
		bus           *bus.Bus
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		retry         RetryPolicy
		stepTimeout   time.Duration
		snapshotEvery int

		// sleep is the retry backoff wait, replaceable in tests.
		sleep func(ctx context.Context, d time.Duration) error

		mu        sync.RWMutex
		workflows map[string]*workflow.Workflow
		runs      map[string]*sessionRun
		closed    bool
		wg        sync.WaitGroup
	}
)

var _ hub.Controller = (*Scaffold)(nil)

// New builds a scaffold. The mode is fixed for the scaffold's lifetime: a
// live scaffold records every agent stream, a playback scaffold serves agent
// calls from recordings only.
func New(opts Options) (*Scaffold, error) {
	mode := opts.Mode
	if mode == "" {
		mode = provider.ModeLive
	}
	if _, err := provider.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	s := &Scaffold{
		mode:          mode,
		events:        opts.Events,
		snapshots:     opts.Snapshots,
		recordings:    opts.Recordings,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		retry:         opts.Retry.WithDefaults(),
		stepTimeout:   opts.StepTimeout,
		snapshotEvery: opts.SnapshotEvery,
		sleep:         sleepContext,
		workflows:     make(map[string]*workflow.Workflow),
		runs:          make(map[string]*sessionRun),
	}
	if s.events == nil {
		s.events = eventsinmem.New()
	}
	if s.snapshots == nil {
		s.snapshots = snapsinmem.New()
	}
	if s.recordings == nil {
		s.recordings = recsinmem.New()
	}
	if s.bus == nil {
		s.bus = bus.New(nil)
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	if s.stepTimeout <= 0 {
		s.stepTimeout = DefaultStepTimeout
	}
	if s.snapshotEvery <= 0 {
		s.snapshotEvery = 1
	}
	return s, nil
}

// Mode returns the scaffold's execution mode.
func (s *Scaffold) Mode() provider.Mode { return s.mode }

// RegisterWorkflow adds a compiled workflow to the registry.
func (s *Scaffold) RegisterWorkflow(w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.workflows[w.Name()]; ok {
		return fmt.Errorf("workflow %q is already registered", w.Name())
	}
	s.workflows[w.Name()] = w
	return nil
}

// Workflow looks up a registered workflow.
func (s *Scaffold) Workflow(name string) (*workflow.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[name]
	return w, ok
}

// CreateSession allocates a session and starts its loop in the background.
// It returns as soon as the session id is allocated; callers observe progress
// through the bus or Wait.
func (s *Scaffold) CreateSession(ctx context.Context, workflowName, input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	wf, ok := s.workflows[workflowName]
	if !ok {
		return "", &workflow.NotFoundError{Workflow: workflowName}
	}
	id := uuid.NewString()
	run := s.newRun(id, wf, input, false)
	s.runs[id] = run
	s.wg.Add(1)
	go run.run()
	s.metrics.IncCounter("workflow.sessions.created", 1, "workflow", workflowName)
	return id, nil
}

// Resume restarts a paused session from its event log. It reports false when
// the session is already live or already terminal.
func (s *Scaffold) Resume(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	_, live := s.runs[sessionID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}
	if live {
		return false, nil
	}

	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return false, &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	if workflow.StatusFromEvents(events).Terminal() {
		return false, nil
	}
	var started event.WorkflowStartedPayload
	if events[0].Name != event.WorkflowStarted {
		return false, fmt.Errorf("session %s log does not begin with %s", sessionID, event.WorkflowStarted)
	}
	if err := events[0].Decode(&started); err != nil {
		return false, err
	}
	wf, ok := s.Workflow(started.WorkflowName)
	if !ok {
		return false, &workflow.NotFoundError{Workflow: started.WorkflowName}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if _, raced := s.runs[sessionID]; raced {
		s.mu.Unlock()
		return false, nil
	}
	run := s.newRun(sessionID, wf, started.Input, true)
	s.runs[sessionID] = run
	s.wg.Add(1)
	s.mu.Unlock()
	go run.run()
	s.metrics.IncCounter("workflow.sessions.resumed", 1, "workflow", wf.Name())
	return true, nil
}

// Pause cooperatively stops a live session loop. In-flight agent streams are
// cancelled, a session:paused event is appended, and the loop exits; events
// already appended are never rolled back. Pause reports false when the
// session has no live loop or is already pausing.
func (s *Scaffold) Pause(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run == nil {
		known, err := s.sessionKnown(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if !known {
			return false, &workflow.SessionNotFoundError{SessionID: sessionID}
		}
		return false, nil
	}
	return run.pause(), nil
}

// Abort cooperatively cancels a session. Live loops cancel their in-flight
// streams and append session:aborted; sessions without a live loop get the
// terminal event appended directly unless they are already terminal.
func (s *Scaffold) Abort(ctx context.Context, sessionID, reason string) error {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		run.abort(reason)
		return nil
	}

	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	if workflow.StatusFromEvents(events).Terminal() {
		return nil
	}
	// A resume may have raced the log read; the live loop owns the log then.
	s.mu.RLock()
	run = s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		run.abort(reason)
		return nil
	}
	_, err = s.append(ctx, sessionID, event.SessionAborted, event.SessionLifecyclePayload{Reason: reason})
	return err
}

// Reply resolves a pending prompt. A live waiting loop receives the reply
// directly; a paused session gets the session:reply appended to its log so
// the next resume picks it up. An empty promptID targets whatever prompt is
// pending.
func (s *Scaffold) Reply(ctx context.Context, sessionID, promptID, content, choice string) error {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		return run.reply(ctx, promptID, content, choice)
	}

	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	if workflow.StatusFromEvents(events).Terminal() {
		return ErrNoPendingPrompt
	}
	pending, ok := pendingPrompt(events)
	if !ok {
		return ErrNoPendingPrompt
	}
	if promptID == "" {
		promptID = pending
	}
	if promptID != pending {
		return fmt.Errorf("prompt %s is not pending: %w", promptID, ErrNoPendingPrompt)
	}
	_, err = s.append(ctx, sessionID, event.SessionReply, event.SessionReplyPayload{
		PromptID: promptID,
		Content:  content,
		Choice:   choice,
	})
	return err
}

// Send broadcasts a coarse message to a running workflow. The workflow's
// message handler runs between steps; sessions without a live loop reject
// sends.
func (s *Scaffold) Send(ctx context.Context, sessionID string, msg workflow.Message) error {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run == nil {
		known, err := s.sessionKnown(ctx, sessionID)
		if err != nil {
			return err
		}
		if !known {
			return &workflow.SessionNotFoundError{SessionID: sessionID}
		}
		return ErrNotRunning
	}
	return run.send(msg)
}

// SendTo queues a message for one agent step by name; the agent's message
// handler runs when that step next starts.
func (s *Scaffold) SendTo(ctx context.Context, sessionID, nodeID string, msg workflow.Message) error {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run == nil {
		known, err := s.sessionKnown(ctx, sessionID)
		if err != nil {
			return err
		}
		if !known {
			return &workflow.SessionNotFoundError{SessionID: sessionID}
		}
		return ErrNotRunning
	}
	run.sendTo(nodeID, msg)
	return nil
}

// Fork copies all of a session's events to a fresh session with new event
// ids and preserved timestamps, and returns the new session id and the event
// count copied. The fork does not start executing.
func (s *Scaffold) Fork(ctx context.Context, sessionID string) (string, int, error) {
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return "", 0, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return "", 0, &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	forked := uuid.NewString()
	for _, ev := range events {
		dup := ev.Clone()
		dup.ID = uuid.NewString()
		dup.SessionID = forked
		dup.Position = 0
		if err := s.events.Append(ctx, dup); err != nil {
			// Best-effort cleanup keeps half-copied forks out of listings.
			_ = s.events.DeleteSession(ctx, forked)
			return "", 0, fmt.Errorf("copy event %d: %w", ev.Position, err)
		}
	}
	s.metrics.IncCounter("workflow.sessions.forked", 1)
	return forked, len(events), nil
}

// State returns the session state as of the given position, the number of
// events applied. A negative position means "latest". ErrNoState is returned
// when no state update exists in the requested prefix.
func (s *Scaffold) State(ctx context.Context, sessionID string, position int) (workflow.State, int, error) {
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		known, kerr := s.sessionKnown(ctx, sessionID)
		if kerr != nil {
			return nil, 0, kerr
		}
		if !known {
			return nil, 0, &workflow.SessionNotFoundError{SessionID: sessionID}
		}
		return nil, 0, ErrNoState
	}
	if position < 0 || position > len(events) {
		position = len(events)
	}
	raw, ok := event.StateAt(events, position)
	if !ok {
		return nil, position, ErrNoState
	}
	st, err := workflow.DecodeState(raw)
	if err != nil {
		return nil, position, err
	}
	return st, position, nil
}

// Status returns the session's lifecycle status: the live loop's view when
// one exists, the event-derived view otherwise.
func (s *Scaffold) Status(ctx context.Context, sessionID string) (workflow.SessionStatus, error) {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		return run.Status(), nil
	}
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return "", &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	return workflow.StatusFromEvents(events), nil
}

// ListSessions returns metadata for every known session: all sessions with
// events, plus live sessions that have not appended yet.
func (s *Scaffold) ListSessions(ctx context.Context) ([]*workflow.Session, error) {
	ids, err := s.events.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	sessions := make([]*workflow.Session, 0, len(ids))
	for _, id := range ids {
		seen[id] = true
		events, err := s.events.Events(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session events: %w", err)
		}
		if len(events) == 0 {
			continue
		}
		meta := &workflow.Session{
			ID:        id,
			Status:    workflow.StatusFromEvents(events),
			CreatedAt: events[0].Timestamp,
			UpdatedAt: events[len(events)-1].Timestamp,
		}
		if events[0].Name == event.WorkflowStarted {
			var started event.WorkflowStartedPayload
			if err := events[0].Decode(&started); err == nil {
				meta.WorkflowName = started.WorkflowName
				meta.Input = started.Input
			}
		}
		sessions = append(sessions, meta)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, run := range s.runs {
		if seen[id] {
			continue
		}
		now := time.Now().UTC()
		sessions = append(sessions, &workflow.Session{
			ID:           id,
			WorkflowName: run.wf.Name(),
			Input:        run.input,
			Status:       run.Status(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return sessions, nil
}

// DeleteSession stops any live loop and removes the session's events and
// snapshots. Deleting an unknown session succeeds.
func (s *Scaffold) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		run.abort("session deleted")
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.events.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	if err := s.snapshots.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session snapshots: %w", err)
	}
	return nil
}

// Wait blocks until the session's live loop finishes, then reports whether
// the workflow completed successfully and the final state. A run that passed
// a failed step under ContinueOnError still terminates with workflow:completed
// but reports success=false. For sessions without a live loop Wait reports
// the event-derived outcome immediately.
func (s *Scaffold) Wait(ctx context.Context, sessionID string) (bool, workflow.State, error) {
	s.mu.RLock()
	run := s.runs[sessionID]
	s.mu.RUnlock()
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return false, nil, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		return false, nil, &workflow.SessionNotFoundError{SessionID: sessionID}
	}
	success := false
	if n := len(events); events[n-1].Name == event.WorkflowCompleted {
		var p event.WorkflowCompletedPayload
		if err := events[n-1].Decode(&p); err != nil {
			return false, nil, err
		}
		success = p.Success
	}
	raw, ok := event.StateAt(events, len(events))
	if !ok {
		return success, workflow.State{}, nil
	}
	state, err := workflow.DecodeState(raw)
	if err != nil {
		return false, nil, err
	}
	return success, state, nil
}

// Subscribe attaches a bus subscription for one session, or for all sessions
// with bus.AllSessions.
func (s *Scaffold) Subscribe(sessionID string) *bus.Subscription {
	return s.bus.Subscribe(sessionID)
}

// History returns the session's stored events in append order. Unknown
// sessions yield a SessionNotFoundError; a live session that has not
// appended yet yields an empty history.
func (s *Scaffold) History(ctx context.Context, sessionID string) ([]*event.Event, error) {
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}
	if len(events) == 0 {
		s.mu.RLock()
		run := s.runs[sessionID]
		s.mu.RUnlock()
		if run == nil {
			return nil, &workflow.SessionNotFoundError{SessionID: sessionID}
		}
	}
	return events, nil
}

// Hub binds a transport attachment point to one session.
func (s *Scaffold) Hub(sessionID string) *hub.Hub {
	return hub.New(sessionID, s.bus, s, &hub.Options{
		SessionActive: func() bool {
			status, err := s.Status(context.Background(), sessionID)
			return err == nil && !status.Terminal()
		},
	})
}

// Recordings exposes the scaffold's recording store for inspection surfaces.
func (s *Scaffold) Recordings(ctx context.Context) ([]*recorder.Entry, error) {
	return s.recordings.List(ctx)
}

// Close aborts every live session, waits for the loops to exit (bounded by
// ctx), shuts the bus down and closes any store that implements io.Closer.
func (s *Scaffold) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*sessionRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.abort("scaffold closed")
	}
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.bus.Close()
	var errs []error
	for _, store := range []any{s.events, s.snapshots, s.recordings} {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// append is the offline emission path: it appends and publishes one event on
// behalf of a session without a live loop.
func (s *Scaffold) append(ctx context.Context, sessionID string, name event.Name, payload any) (*event.Event, error) {
	ev, err := event.New(sessionID, name, payload)
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append %s: %w", name, err)
	}
	s.bus.Publish(ev)
	s.metrics.IncCounter("workflow.events.appended", 1, "name", string(name))
	return ev, nil
}

// sessionKnown reports whether any events exist for the session.
func (s *Scaffold) sessionKnown(ctx context.Context, sessionID string) (bool, error) {
	events, err := s.events.Events(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load session events: %w", err)
	}
	return len(events) > 0, nil
}

// removeRun detaches a finished loop from the live set.
func (s *Scaffold) removeRun(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, sessionID)
}

// pendingPrompt finds the last session:prompt without a matching
// session:reply.
func pendingPrompt(events []*event.Event) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Name {
		case event.SessionReply:
			return "", false
		case event.SessionPrompt:
			var p event.SessionPromptPayload
			if err := events[i].Decode(&p); err != nil {
				return "", false
			}
			return p.PromptID, true
		}
	}
	return "", false
}
