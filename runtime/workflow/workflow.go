// Package workflow defines the compiled workflow model executed by the
// runtime: workflow definitions, phases, agent steps, prompt steps, nested
// workflows and the state values their reducers operate on.
//
// Definitions are plain data. A phase names a step (the tagged variant
// AgentStep | WorkflowStep | PromptStep | TerminalStep) and the phase that
// follows it; agents are structs binding a provider, an output schema and
// two pure functions. New validates the graph once and the compiled
// Workflow never mutates afterwards.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

type (
	// State is the in-memory working state of a session. The canonical state
	// lives in the event log; State values are working copies derived from
	// and re-encoded into state:updated payloads.
	State map[string]any

	// Definition describes a workflow before compilation. Exactly one of the
	// two forms must be used: the phased form (Entry + Phases) or the loop
	// form (Agent + Until).
	Definition struct {
		// Name identifies the workflow in the session manager registry.
		Name string
		// InitialState seeds every new session. It is cloned per session.
		InitialState State
		// Start folds the session input into the draft initial state. It
		// must be pure: its only effect is mutating draft.
		Start func(input string, draft State)

		// Entry names the first phase of the phased form.
		Entry string
		// Phases is the phase graph of the phased form.
		Phases map[string]Phase

		// Agent and Until select the loop form: the agent runs repeatedly
		// until the predicate holds on the current state.
		Agent *Agent
		Until func(State) bool

		// OnMessage handles coarse inbound hub messages between steps. The
		// handler mutates draft; a state:updated event records the result.
		OnMessage func(msg Message, draft State)
	}

	// Phase is one node of the phase graph.
	Phase struct {
		// Run is the step executed when the phase starts.
		Run Step
		// Next names the phase that follows. Terminal phases leave it empty.
		Next string
		// Narrate, when set, emits a narrative event after the phase
		// completes.
		Narrate func(State) (string, event.Importance)
	}

	// Step is the tagged variant a phase executes.
	Step interface{ isStep() }

	// AgentStep invokes an agent.
	AgentStep struct{ Agent *Agent }

	// WorkflowStep runs a nested workflow over the same state; the nested
	// phases surface as task:* events.
	WorkflowStep struct{ Workflow *Workflow }

	// PromptStep suspends the session until an external reply arrives.
	PromptStep struct{ Prompt Prompt }

	// TerminalStep ends the workflow.
	TerminalStep struct{}

	// Prompt renders a question from state and folds the reply back in.
	Prompt struct {
		Render func(State) (prompt string, choices []string)
		Apply  func(content, choice string, draft State)
	}

	// Agent is a unit of model work: it derives a prompt from state, streams
	// a provider, validates the structured output and reduces it onto state.
	Agent struct {
		Name     string
		Provider provider.Provider
		// OutputSchema validates the provider result before Update runs. A
		// nil schema accepts any output.
		OutputSchema *schema.Schema
		// Prompt derives the provider prompt from the current state.
		Prompt func(State) string
		// Update folds validated output onto the draft state. It must be a
		// pure deterministic reducer.
		Update func(output map[string]any, draft State)
		// Tools are advertised to the provider.
		Tools []provider.Tool
		// ProviderOptions is provider-specific configuration forwarded on
		// every call and folded into the recording hash.
		ProviderOptions json.RawMessage
		// Timeout bounds one streaming attempt. Zero uses the runtime
		// default.
		Timeout time.Duration
		// ContinueOnError lets the workflow proceed past a failed step
		// instead of failing fast.
		ContinueOnError bool
		// OnMessage handles targeted inbound hub messages for this step.
		OnMessage func(msg Message, draft State)
	}

	// Message is a coarse inbound message delivered through the hub to a
	// running workflow.
	Message struct {
		Kind    string          `json:"kind,omitempty"`
		Content string          `json:"content,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	// Workflow is a compiled, immutable definition.
	Workflow struct {
		def     Definition
		numbers map[string]int
	}
)

func (AgentStep) isStep()    {}
func (WorkflowStep) isStep() {}
func (PromptStep) isStep()   {}
func (TerminalStep) isStep() {}

// RunAgent wraps an agent as a phase step.
func RunAgent(a *Agent) Step { return AgentStep{Agent: a} }

// RunWorkflow wraps a compiled workflow as a phase step.
func RunWorkflow(w *Workflow) Step { return WorkflowStep{Workflow: w} }

// RunPrompt wraps a prompt as a phase step.
func RunPrompt(p Prompt) Step { return PromptStep{Prompt: p} }

// Terminal returns the distinguished terminal phase.
func Terminal() Phase { return Phase{Run: TerminalStep{}} }

// New validates and compiles a definition. Validation enforces the phase
// graph contract: every next pointer resolves, every phase is reachable from
// the entry, and exactly one terminal phase is reachable.
func New(def Definition) (*Workflow, error) {
	if def.Name == "" {
		return nil, &ValidationError{Message: "workflow name is required"}
	}
	phased := len(def.Phases) > 0
	looped := def.Agent != nil
	if phased == looped {
		return nil, &ValidationError{Message: fmt.Sprintf("workflow %q must use exactly one of the phased or loop forms", def.Name)}
	}

	w := &Workflow{def: def, numbers: make(map[string]int)}
	if looped {
		if def.Until == nil {
			return nil, &ValidationError{Message: fmt.Sprintf("workflow %q: loop form requires an until predicate", def.Name)}
		}
		if err := validateAgent(def.Name, def.Agent); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err := w.compilePhases(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workflow) compilePhases() error {
	def := w.def
	if def.Entry == "" {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: entry phase is required", def.Name)}
	}
	if _, ok := def.Phases[def.Entry]; !ok {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: entry phase %q does not exist", def.Name, def.Entry)}
	}

	for id, p := range def.Phases {
		if p.Run == nil {
			return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q has no step", def.Name, id)}
		}
		switch s := p.Run.(type) {
		case TerminalStep:
			if p.Next != "" {
				return &ValidationError{Message: fmt.Sprintf("workflow %q: terminal phase %q must not have a next phase", def.Name, id)}
			}
		case AgentStep:
			if err := validateAgent(def.Name, s.Agent); err != nil {
				return err
			}
		case WorkflowStep:
			if s.Workflow == nil {
				return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q wraps a nil workflow", def.Name, id)}
			}
		case PromptStep:
			if s.Prompt.Render == nil || s.Prompt.Apply == nil {
				return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q prompt needs render and apply", def.Name, id)}
			}
		}
		if _, terminal := p.Run.(TerminalStep); !terminal {
			if p.Next == "" {
				return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q has no next phase", def.Name, id)}
			}
			if _, ok := def.Phases[p.Next]; !ok {
				return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q points at unknown phase %q", def.Name, id, p.Next)}
			}
		}
	}

	// Walk the next chain from the entry. Each phase has a single successor
	// so the reachable set is a chain; revisiting a phase means a cycle with
	// no reachable terminal.
	seen := make(map[string]bool, len(def.Phases))
	id := def.Entry
	number := 0
	terminals := 0
	for {
		if seen[id] {
			return &ValidationError{Message: fmt.Sprintf("workflow %q: phase cycle through %q never reaches a terminal phase", def.Name, id)}
		}
		seen[id] = true
		number++
		w.numbers[id] = number
		p := def.Phases[id]
		if _, terminal := p.Run.(TerminalStep); terminal {
			terminals++
			break
		}
		id = p.Next
	}
	if terminals != 1 {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: exactly one terminal phase must be reachable", def.Name)}
	}
	for id := range def.Phases {
		if !seen[id] {
			return &ValidationError{Message: fmt.Sprintf("workflow %q: phase %q is unreachable", def.Name, id)}
		}
	}
	return nil
}

func validateAgent(workflowName string, a *Agent) error {
	if a == nil {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: agent step wraps a nil agent", workflowName)}
	}
	if a.Name == "" {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: agent name is required", workflowName)}
	}
	if a.Provider == nil {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: agent %q has no provider", workflowName, a.Name)}
	}
	if a.Prompt == nil {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: agent %q has no prompt function", workflowName, a.Name)}
	}
	if a.Update == nil {
		return &ValidationError{Message: fmt.Sprintf("workflow %q: agent %q has no update reducer", workflowName, a.Name)}
	}
	return nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.def.Name }

// Entry returns the entry phase id of the phased form, or "" for the loop
// form.
func (w *Workflow) Entry() string { return w.def.Entry }

// Phase looks up a phase by id.
func (w *Workflow) Phase(id string) (Phase, bool) {
	p, ok := w.def.Phases[id]
	return p, ok
}

// Number returns the 1-based rank of a phase in chain order from the entry.
func (w *Workflow) Number(id string) int { return w.numbers[id] }

// Loop returns the loop-form agent and predicate, reporting whether the
// workflow uses the loop form.
func (w *Workflow) Loop() (*Agent, func(State) bool, bool) {
	if w.def.Agent == nil {
		return nil, nil, false
	}
	return w.def.Agent, w.def.Until, true
}

// Seed builds the initial session state: a clone of InitialState with the
// start function applied to the session input.
func (w *Workflow) Seed(input string) State {
	draft := w.def.InitialState.Clone()
	if w.def.Start != nil {
		w.def.Start(input, draft)
	}
	return draft
}

// HandleMessage invokes the workflow-level message handler, reporting
// whether one was registered.
func (w *Workflow) HandleMessage(msg Message, draft State) bool {
	if w.def.OnMessage == nil {
		return false
	}
	w.def.OnMessage(msg, draft)
	return true
}
