package scaffold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	"github.com/weftlab/weft/runtime/workflow/schema"
	"github.com/weftlab/weft/runtime/workflow/snapshot"
)

// Loop interruption sentinels. They travel up through step execution so the
// top of the loop can classify the exit and append the matching lifecycle
// event.
var (
	errPaused  = errors.New("session paused")
	errAborted = errors.New("session aborted")
)

// messageBuffer bounds queued broadcast messages per session.
const messageBuffer = 16

type (
	// sessionRun is one live session loop. The loop goroutine is the only
	// writer of the session's event log and the only reader of r.state;
	// inbound commands cross over through channels and the flag mutex.
	sessionRun struct {
		sc        *Scaffold
		sessionID string
		wf        *workflow.Workflow
		input     string
		resuming  bool

		ctx    context.Context
		cancel context.CancelFunc

		flagMu        sync.Mutex
		pauseRequested bool
		abortReason    string
		pendingPrompt  string
		targeted       map[string][]workflow.Message

		status atomic.Value

		// Loop-owned; never touched off the loop goroutine.
		state        workflow.State
		stateUpdates int
		failed       bool
		startedAt    time.Time

		// resumePrompt carries reconstructed prompt context into the first
		// prompt step after a resume.
		resumePrompt *promptState

		replies  chan replyMsg
		messages chan workflow.Message
		done     chan struct{}

		sleep func(ctx context.Context, d time.Duration) error
	}

	replyMsg struct {
		promptID string
		content  string
		choice   string
		resp     chan error
	}

	// promptState is a prompt reconstructed from the log on resume: its id,
	// and the offline reply when one was appended while the session was
	// paused.
	promptState struct {
		id       string
		answered bool
		content  string
		choice   string
	}
)

func (s *Scaffold) newRun(sessionID string, wf *workflow.Workflow, input string, resuming bool) *sessionRun {
	ctx, cancel := context.WithCancel(context.Background())
	r := &sessionRun{
		sc:        s,
		sessionID: sessionID,
		wf:        wf,
		input:     input,
		resuming:  resuming,
		ctx:       ctx,
		cancel:    cancel,
		targeted:  make(map[string][]workflow.Message),
		replies:   make(chan replyMsg),
		messages:  make(chan workflow.Message, messageBuffer),
		done:      make(chan struct{}),
		sleep:     s.sleep,
	}
	r.status.Store(workflow.StatusPending)
	return r
}

// Status returns the loop's view of the session status.
func (r *sessionRun) Status() workflow.SessionStatus {
	return r.status.Load().(workflow.SessionStatus)
}

func (r *sessionRun) setStatus(status workflow.SessionStatus) {
	r.status.Store(status)
}

// pause requests a cooperative stop. It reports false when the session is
// not actively running or a stop is already underway.
func (r *sessionRun) pause() bool {
	r.flagMu.Lock()
	defer r.flagMu.Unlock()
	if r.pauseRequested || r.abortReason != "" {
		return false
	}
	if r.Status() != workflow.StatusRunning {
		return false
	}
	r.pauseRequested = true
	r.cancel()
	return true
}

// abort requests a cooperative cancel. The first reason wins.
func (r *sessionRun) abort(reason string) {
	r.flagMu.Lock()
	if r.abortReason == "" {
		if reason == "" {
			reason = "aborted"
		}
		r.abortReason = reason
	}
	r.flagMu.Unlock()
	r.cancel()
}

// interruption classifies a cancelled context. Abort wins over pause.
func (r *sessionRun) interruption() error {
	r.flagMu.Lock()
	defer r.flagMu.Unlock()
	if r.abortReason != "" {
		return errAborted
	}
	if r.pauseRequested {
		return errPaused
	}
	return nil
}

// interruptionOr maps a context error to its interruption sentinel, falling
// back to the original error for plain deadline or external cancellation.
func (r *sessionRun) interruptionOr(err error) error {
	if itr := r.interruption(); itr != nil {
		return itr
	}
	return err
}

// reply hands an inbound reply to the waiting prompt step.
func (r *sessionRun) reply(ctx context.Context, promptID, content, choice string) error {
	r.flagMu.Lock()
	pending := r.pendingPrompt
	r.flagMu.Unlock()
	if pending == "" {
		return ErrNoPendingPrompt
	}
	if promptID == "" {
		promptID = pending
	}
	if promptID != pending {
		return fmt.Errorf("prompt %s is not pending: %w", promptID, ErrNoPendingPrompt)
	}
	msg := replyMsg{promptID: promptID, content: content, choice: choice, resp: make(chan error, 1)}
	select {
	case r.replies <- msg:
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.resp:
		return err
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send queues a broadcast message; the loop drains the queue between steps.
func (r *sessionRun) send(msg workflow.Message) error {
	select {
	case r.messages <- msg:
		return nil
	case <-r.done:
		return ErrNotRunning
	default:
		return fmt.Errorf("session %s message queue is full", r.sessionID)
	}
}

// sendTo queues a message for one agent step by name.
func (r *sessionRun) sendTo(nodeID string, msg workflow.Message) {
	r.flagMu.Lock()
	r.targeted[nodeID] = append(r.targeted[nodeID], msg)
	r.flagMu.Unlock()
}

// run executes the session to a terminal event or a pause, then detaches.
func (r *sessionRun) run() {
	defer func() {
		r.sc.removeRun(r.sessionID)
		close(r.done)
		r.sc.wg.Done()
	}()
	ctx, span := r.sc.tracer.Start(r.ctx, "workflow.session")
	defer span.End()
	began := time.Now()

	err := r.execute(ctx)

	// The run context is cancelled on pause and abort, so lifecycle events
	// emitted past this point use a detached context.
	fin := context.Background()
	switch {
	case err == nil:
		r.emitTerminal(fin, event.WorkflowCompleted, event.WorkflowCompletedPayload{
			Success:    !r.failed,
			DurationMS: time.Since(r.startedAt).Milliseconds(),
		})
		r.setStatus(workflow.StatusCompleted)
	case errors.Is(err, errPaused):
		if _, eerr := r.emit(fin, event.SessionPaused, event.SessionLifecyclePayload{Reason: "pause requested"}); eerr != nil {
			r.sc.logger.Error(fin, "append session:paused failed", "session_id", r.sessionID, "err", eerr)
		}
		r.setStatus(workflow.StatusPaused)
	case errors.Is(err, errAborted):
		r.flagMu.Lock()
		reason := r.abortReason
		r.flagMu.Unlock()
		r.emitTerminal(fin, event.SessionAborted, event.SessionLifecyclePayload{Reason: reason})
		r.setStatus(workflow.StatusAborted)
	default:
		code, msg := failureCode(err)
		r.emitTerminal(fin, event.WorkflowFailed, event.WorkflowFailedPayload{Code: code, Message: msg})
		r.setStatus(workflow.StatusFailed)
		span.RecordError(err)
	}

	r.sc.metrics.RecordTimer("workflow.session.duration", time.Since(began),
		"workflow", r.wf.Name(), "status", string(r.Status()))
}

// execute runs the workflow body: seed or reconstruct, then walk the phase
// graph or the loop until a terminal step, an interruption or a failure.
func (r *sessionRun) execute(ctx context.Context) error {
	var from replayPoint
	if r.resuming {
		rp, err := r.reconstruct(ctx)
		if err != nil {
			return err
		}
		from = rp
		r.state = rp.state
		r.startedAt = rp.startedAt
		r.resumePrompt = rp.prompt
		if _, err := r.emit(ctx, event.SessionResumed, event.SessionLifecyclePayload{Reason: "resume requested"}); err != nil {
			return err
		}
		r.setStatus(workflow.StatusRunning)
	} else {
		r.startedAt = time.Now().UTC()
		r.setStatus(workflow.StatusRunning)
		if _, err := r.emit(ctx, event.WorkflowStarted, event.WorkflowStartedPayload{
			WorkflowName: r.wf.Name(),
			Input:        r.input,
		}); err != nil {
			return err
		}
		if err := r.emitState(ctx, r.wf.Seed(r.input)); err != nil {
			return err
		}
		from = replayPoint{phase: r.wf.Entry()}
	}

	if agent, until, ok := r.wf.Loop(); ok {
		return r.executeLoop(ctx, agent, until)
	}
	return r.executePhases(ctx, from)
}

// executeLoop runs the single-agent form: re-run the agent against the
// current state until the exit predicate holds.
func (r *sessionRun) executeLoop(ctx context.Context, agent *workflow.Agent, until func(workflow.State) bool) error {
	for {
		if err := r.drainMessages(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return r.interruptionOr(err)
		}
		if until(r.state) {
			return nil
		}
		if err := r.runAgent(ctx, agent); err != nil {
			// A failed iteration would re-run against unchanged state, so
			// loop-form agents fail the workflow even with ContinueOnError.
			return err
		}
	}
}

// executePhases walks the phase graph from the replay point to a terminal
// step.
func (r *sessionRun) executePhases(ctx context.Context, from replayPoint) error {
	name := from.phase
	skipStart := from.phaseStarted
	for {
		if err := r.drainMessages(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return r.interruptionOr(err)
		}
		phase, ok := r.wf.Phase(name)
		if !ok {
			return fmt.Errorf("workflow %s has no phase %q", r.wf.Name(), name)
		}
		if _, terminal := phase.Run.(workflow.TerminalStep); terminal {
			return nil
		}
		number := r.wf.Number(name)
		if !skipStart {
			if _, err := r.emit(ctx, event.PhaseStart, event.PhasePayload{Name: name, Number: number}); err != nil {
				return err
			}
		}
		skipStart = false

		if err := r.runStep(ctx, phase.Run); err != nil {
			if itr := r.interruption(); itr != nil {
				return itr
			}
			if !stepContinuable(phase.Run) {
				return err
			}
			r.failed = true
			r.sc.logger.Warn(ctx, "phase failed, continuing",
				"session_id", r.sessionID, "phase", name, "err", err)
		}
		if _, err := r.emit(ctx, event.PhaseComplete, event.PhasePayload{Name: name, Number: number}); err != nil {
			return err
		}
		if phase.Narrate != nil {
			if err := r.narrate(ctx, phase.Narrate); err != nil {
				return err
			}
		}
		name = phase.Next
	}
}

// runStep dispatches one phase body.
func (r *sessionRun) runStep(ctx context.Context, step workflow.Step) error {
	switch st := step.(type) {
	case workflow.AgentStep:
		return r.runAgent(ctx, st.Agent)
	case workflow.WorkflowStep:
		return r.runNested(ctx, st.Workflow)
	case workflow.PromptStep:
		return r.runPrompt(ctx, st.Prompt)
	case workflow.TerminalStep:
		return nil
	default:
		return fmt.Errorf("unsupported step type %T", step)
	}
}

// stepContinuable reports whether a failed step lets the workflow keep
// going. Only agent steps can opt in.
func stepContinuable(step workflow.Step) bool {
	if st, ok := step.(workflow.AgentStep); ok {
		return st.Agent.ContinueOnError
	}
	return false
}

// runNested executes a sub-workflow inline: same session, same state, with
// task events bracketing each unit of nested work. Nested runs emit no
// workflow lifecycle events of their own.
func (r *sessionRun) runNested(ctx context.Context, nested *workflow.Workflow) error {
	if agent, until, ok := nested.Loop(); ok {
		for {
			if err := r.drainMessages(ctx); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return r.interruptionOr(err)
			}
			if until(r.state) {
				return nil
			}
			if err := r.runTask(ctx, agent.Name, workflow.RunAgent(agent)); err != nil {
				return err
			}
		}
	}

	name := nested.Entry()
	for {
		if err := r.drainMessages(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return r.interruptionOr(err)
		}
		phase, ok := nested.Phase(name)
		if !ok {
			return fmt.Errorf("workflow %s has no phase %q", nested.Name(), name)
		}
		if _, terminal := phase.Run.(workflow.TerminalStep); terminal {
			return nil
		}
		if err := r.runTask(ctx, name, phase.Run); err != nil {
			if itr := r.interruption(); itr != nil {
				return itr
			}
			if !stepContinuable(phase.Run) {
				return err
			}
			r.failed = true
		}
		if phase.Narrate != nil {
			if err := r.narrate(ctx, phase.Narrate); err != nil {
				return err
			}
		}
		name = phase.Next
	}
}

// runTask brackets one nested unit with task:start and task:complete or
// task:failed.
func (r *sessionRun) runTask(ctx context.Context, name string, step workflow.Step) error {
	if _, err := r.emit(ctx, event.TaskStart, event.TaskPayload{Name: name}); err != nil {
		return err
	}
	if err := r.runStep(ctx, step); err != nil {
		if itr := r.interruption(); itr != nil {
			return itr
		}
		code, msg := failureCode(err)
		if _, eerr := r.emit(ctx, event.TaskFailed, event.TaskPayload{Name: name, Code: code, Message: msg}); eerr != nil {
			return eerr
		}
		return err
	}
	_, err := r.emit(ctx, event.TaskComplete, event.TaskPayload{Name: name})
	return err
}

// runAgent executes one agent step: stream with retries, validate the
// output, apply the state update. Event order is fixed: agent:completed is
// appended before the state:updated it caused.
func (r *sessionRun) runAgent(ctx context.Context, agent *workflow.Agent) error {
	if _, err := r.emit(ctx, event.AgentStarted, event.AgentStartedPayload{AgentName: agent.Name}); err != nil {
		return err
	}
	if err := r.drainTargeted(ctx, agent); err != nil {
		return err
	}

	prov, err := provider.ForMode(r.sc.mode, agent.Provider, r.sc.recordings)
	if err != nil {
		return err
	}
	opts := provider.StreamOptions{
		Prompt:          agent.Prompt(r.state),
		Tools:           agent.Tools,
		OutputSchema:    agent.OutputSchema,
		ProviderOptions: agent.ProviderOptions,
	}
	timeout := agent.Timeout
	if timeout <= 0 {
		timeout = r.sc.stepTimeout
	}

	var result *provider.Result
	for attempt := 1; ; attempt++ {
		began := time.Now()
		result, err = r.streamOnce(ctx, prov, opts, timeout)
		r.sc.metrics.RecordTimer("workflow.agent.stream", time.Since(began),
			"agent", agent.Name, "outcome", outcomeTag(err))
		if err == nil {
			break
		}
		if itr := r.interruption(); itr != nil {
			return itr
		}
		perr, ok := provider.AsError(err)
		if !ok || !perr.Retryable() || attempt >= r.sc.retry.MaxAttempts {
			return r.failAgent(ctx, agent, err)
		}
		delay := r.sc.retry.Delay(attempt, perr.RetryAfter())
		if _, eerr := r.emit(ctx, event.AgentRetry, event.AgentRetryPayload{
			AgentName: agent.Name,
			Attempt:   attempt,
			DelayMS:   delay.Milliseconds(),
			Reason:    string(perr.Code()),
		}); eerr != nil {
			return eerr
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return r.interruptionOr(serr)
		}
	}

	output, err := r.validateOutput(agent, result)
	if err != nil {
		return r.failAgent(ctx, agent, err)
	}
	draft := r.state.Clone()
	agent.Update(output, draft)
	if _, err := r.emit(ctx, event.AgentCompleted, event.AgentCompletedPayload{
		AgentName: agent.Name,
		Success:   true,
		Output:    result.Output,
	}); err != nil {
		return err
	}
	return r.emitState(ctx, draft)
}

// failAgent appends agent:failed and returns the failure for phase-level
// handling.
func (r *sessionRun) failAgent(ctx context.Context, agent *workflow.Agent, cause error) error {
	code, msg := failureCode(cause)
	payload := event.AgentFailedPayload{AgentName: agent.Name, Reason: code, Message: msg}
	if verr, ok := schema.AsValidationError(cause); ok {
		payload.Path = verr.Path
	}
	if _, err := r.emit(ctx, event.AgentFailed, payload); err != nil {
		return err
	}
	return cause
}

// validateOutput checks the structured output against the agent's schema and
// decodes it for the state reducer.
func (r *sessionRun) validateOutput(agent *workflow.Agent, result *provider.Result) (map[string]any, error) {
	if agent.OutputSchema != nil {
		value, err := schema.DecodeValue(result.Output)
		if err != nil {
			return nil, &schema.ValidationError{Message: fmt.Sprintf("output is not valid JSON: %v", err), Path: "/"}
		}
		if err := agent.OutputSchema.Validate(value); err != nil {
			return nil, err
		}
	}
	if len(result.Output) == 0 {
		return nil, nil
	}
	var output map[string]any
	if err := json.Unmarshal(result.Output, &output); err != nil {
		return nil, &schema.ValidationError{Message: fmt.Sprintf("output is not a JSON object: %v", err), Path: "/"}
	}
	return output, nil
}

// streamOnce runs a single streaming attempt under the step timeout and
// re-tags provider events into session events as they arrive.
func (r *sessionRun) streamOnce(ctx context.Context, prov provider.Provider, opts provider.StreamOptions, timeout time.Duration) (*provider.Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := prov.Stream(stepCtx, opts)
	if err != nil {
		return nil, mapStreamError(stepCtx, prov.Name(), err)
	}
	defer stream.Close()

	var (
		result      *provider.Result
		sawText     bool
		sawThinking bool
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, mapStreamError(stepCtx, prov.Name(), err)
		}
		if err := r.retag(ctx, ev, &sawText, &sawThinking); err != nil {
			return nil, err
		}
		if ev.Type == provider.EventResult {
			result = ev.Result
		}
	}
	if result == nil {
		if err := stepCtx.Err(); err != nil {
			return nil, mapStreamError(stepCtx, prov.Name(), err)
		}
		return nil, provider.NewError(prov.Name(), provider.ErrorUnknown, "stream ended without a result", false, nil)
	}
	return result, nil
}

// retag converts one provider stream event into its session event. Deltas
// win over completes: a complete is only emitted when no deltas preceded it
// in the current block.
func (r *sessionRun) retag(ctx context.Context, ev *provider.StreamEvent, sawText, sawThinking *bool) error {
	switch ev.Type {
	case provider.EventTextDelta:
		*sawText = true
		_, err := r.emit(ctx, event.AgentText, event.AgentTextPayload{Text: ev.Delta})
		return err
	case provider.EventTextComplete:
		defer func() { *sawText = false }()
		if *sawText {
			return nil
		}
		_, err := r.emit(ctx, event.AgentText, event.AgentTextPayload{Text: ev.Text})
		return err
	case provider.EventThinkingDelta:
		*sawThinking = true
		_, err := r.emit(ctx, event.AgentThinking, event.AgentThinkingPayload{Thinking: ev.Delta})
		return err
	case provider.EventThinkingComplete:
		defer func() { *sawThinking = false }()
		if *sawThinking {
			return nil
		}
		_, err := r.emit(ctx, event.AgentThinking, event.AgentThinkingPayload{Thinking: ev.Thinking})
		return err
	case provider.EventToolCall:
		_, err := r.emit(ctx, event.AgentToolStart, event.AgentToolStartPayload{
			ToolID:   ev.ToolCall.ToolID,
			ToolName: ev.ToolCall.ToolName,
			Input:    ev.ToolCall.Input,
		})
		return err
	case provider.EventToolResult:
		_, err := r.emit(ctx, event.AgentToolComplete, event.AgentToolCompletePayload{
			ToolID:  ev.ToolResult.ToolID,
			Output:  ev.ToolResult.Output,
			IsError: ev.ToolResult.IsError,
		})
		return err
	default:
		// Stops, usage, session bookkeeping and the final result carry no
		// session event of their own.
		return nil
	}
}

// runPrompt executes a prompt step: render, append session:prompt, then park
// until a reply, a broadcast message or an interruption arrives. On resume
// the reconstructed prompt id is reused instead of re-prompting, and an
// offline reply short-circuits the wait.
func (r *sessionRun) runPrompt(ctx context.Context, prompt workflow.Prompt) error {
	var (
		promptID string
		resumed  *promptState
	)
	if r.resumePrompt != nil {
		resumed = r.resumePrompt
		r.resumePrompt = nil
	}
	if resumed != nil {
		promptID = resumed.id
	} else {
		promptID = uuid.NewString()
		text, choices := prompt.Render(r.state)
		if _, err := r.emit(ctx, event.SessionPrompt, event.SessionPromptPayload{
			PromptID: promptID,
			Prompt:   text,
			Choices:  choices,
		}); err != nil {
			return err
		}
	}
	if resumed != nil && resumed.answered {
		return r.applyReply(ctx, prompt, resumed.content, resumed.choice)
	}

	r.flagMu.Lock()
	r.pendingPrompt = promptID
	r.flagMu.Unlock()
	r.setStatus(workflow.StatusPaused)
	defer func() {
		r.flagMu.Lock()
		r.pendingPrompt = ""
		r.flagMu.Unlock()
	}()

	for {
		select {
		case msg := <-r.replies:
			if msg.promptID != promptID {
				msg.resp <- fmt.Errorf("prompt %s is not pending: %w", msg.promptID, ErrNoPendingPrompt)
				continue
			}
			if _, err := r.emit(ctx, event.SessionReply, event.SessionReplyPayload{
				PromptID: promptID,
				Content:  msg.content,
				Choice:   msg.choice,
			}); err != nil {
				msg.resp <- err
				return err
			}
			err := r.applyReply(ctx, prompt, msg.content, msg.choice)
			msg.resp <- err
			if err != nil {
				return err
			}
			r.setStatus(workflow.StatusRunning)
			return nil
		case msg := <-r.messages:
			if err := r.handleBroadcast(ctx, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return r.interruptionOr(ctx.Err())
		}
	}
}

// applyReply folds a prompt answer into the state.
func (r *sessionRun) applyReply(ctx context.Context, prompt workflow.Prompt, content, choice string) error {
	draft := r.state.Clone()
	prompt.Apply(content, choice, draft)
	return r.emitState(ctx, draft)
}

// narrate appends a narrative event when the phase has something to say.
func (r *sessionRun) narrate(ctx context.Context, fn func(workflow.State) (string, event.Importance)) error {
	text, importance := fn(r.state)
	if text == "" {
		return nil
	}
	if importance == "" {
		importance = event.ImportanceDetailed
	}
	_, err := r.emit(ctx, event.Narrative, event.NarrativePayload{Text: text, Importance: importance})
	return err
}

// drainMessages applies queued broadcast messages through the workflow's
// handler. Unhandled messages are dropped.
func (r *sessionRun) drainMessages(ctx context.Context) error {
	for {
		select {
		case msg := <-r.messages:
			if err := r.handleBroadcast(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *sessionRun) handleBroadcast(ctx context.Context, msg workflow.Message) error {
	draft := r.state.Clone()
	if !r.wf.HandleMessage(msg, draft) {
		r.sc.logger.Debug(ctx, "broadcast message dropped",
			"session_id", r.sessionID, "kind", msg.Kind)
		return nil
	}
	return r.emitState(ctx, draft)
}

// drainTargeted applies messages queued for this agent through its handler.
func (r *sessionRun) drainTargeted(ctx context.Context, agent *workflow.Agent) error {
	r.flagMu.Lock()
	queued := r.targeted[agent.Name]
	delete(r.targeted, agent.Name)
	r.flagMu.Unlock()
	if len(queued) == 0 {
		return nil
	}
	if agent.OnMessage == nil {
		r.sc.logger.Debug(ctx, "agent has no message handler, dropping",
			"session_id", r.sessionID, "agent", agent.Name, "count", len(queued))
		return nil
	}
	draft := r.state.Clone()
	for _, msg := range queued {
		agent.OnMessage(msg, draft)
	}
	return r.emitState(ctx, draft)
}

// emit appends one event to the durable log and then publishes it on the
// bus. Append always happens first: a subscriber can never observe an event
// the store would not replay.
func (r *sessionRun) emit(ctx context.Context, name event.Name, payload any) (*event.Event, error) {
	ev, err := event.New(r.sessionID, name, payload)
	if err != nil {
		return nil, err
	}
	if err := r.sc.events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append %s: %w", name, err)
	}
	r.sc.bus.Publish(ev)
	r.sc.metrics.IncCounter("workflow.events.appended", 1, "name", string(name))
	return ev, nil
}

// emitTerminal appends a terminal event unless the log already ends in one.
// Offline aborts race with live completion; the log's terminal event wins.
func (r *sessionRun) emitTerminal(ctx context.Context, name event.Name, payload any) {
	events, err := r.sc.events.Events(ctx, r.sessionID)
	if err != nil {
		r.sc.logger.Error(ctx, "load events before terminal append failed",
			"session_id", r.sessionID, "err", err)
		return
	}
	if n := len(events); n > 0 && event.Terminal(events[n-1].Name) {
		return
	}
	if _, err := r.emit(ctx, name, payload); err != nil {
		r.sc.logger.Error(ctx, "append terminal event failed",
			"session_id", r.sessionID, "name", string(name), "err", err)
	}
}

// emitState encodes the draft, appends state:updated, then swaps the loop's
// state for the store's canonical rendering so live state always matches a
// replay of the log. Snapshots are advisory; save failures are logged and
// ignored.
func (r *sessionRun) emitState(ctx context.Context, draft workflow.State) error {
	raw, err := workflow.EncodeState(draft)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	ev, err := r.emit(ctx, event.StateUpdated, event.StateUpdatedPayload{State: raw})
	if err != nil {
		return err
	}
	canonical, err := workflow.DecodeState(raw)
	if err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	r.state = canonical
	r.stateUpdates++
	if r.stateUpdates%r.sc.snapshotEvery == 0 {
		snap := &snapshot.Snapshot{SessionID: r.sessionID, Position: ev.Position + 1, State: raw}
		if err := r.sc.snapshots.Save(ctx, snap); err != nil {
			r.sc.logger.Warn(ctx, "snapshot save failed",
				"session_id", r.sessionID, "position", snap.Position, "err", err)
		}
	}
	return nil
}

// mapStreamError normalizes stream failures. A step deadline becomes a
// retryable network-class provider error; everything else passes through.
func mapStreamError(stepCtx context.Context, providerName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return provider.NewError(providerName, provider.ErrorNetwork, "agent step timed out", true, err)
	}
	return err
}

// failureCode maps a step failure to the code and message carried by
// agent:failed and workflow:failed payloads.
func failureCode(err error) (string, string) {
	if perr, ok := provider.AsError(err); ok {
		return string(perr.Code()), perr.Message()
	}
	if verr, ok := schema.AsValidationError(err); ok {
		return "VALIDATION_ERROR", verr.Message
	}
	if recorder.IsNotFound(err) {
		return "RECORDING_NOT_FOUND", err.Error()
	}
	if _, ok := eventstore.AsStoreError(err); ok {
		return "STORE_ERROR", err.Error()
	}
	return "INTERNAL", err.Error()
}

// outcomeTag labels a stream attempt for metrics.
func outcomeTag(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// sleepContext blocks for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
