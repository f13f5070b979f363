// Command mathflow runs the smallest complete workflow twice: a live pass on
// a scripted provider that records the stream, then a playback pass served
// entirely from that recording. Both render to the terminal through the
// console transport and finish with the same state.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/weftlab/weft/features/transport/console"
	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	recsinmem "github.com/weftlab/weft/runtime/workflow/recorder/inmem"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

var answerSchema = schema.MustParse(`{
	"type": "object",
	"properties": {"answer": {"type": "string"}},
	"required": ["answer"]
}`)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mathflow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	recordings := recsinmem.New()

	fmt.Println("live run, recording the provider stream:")
	if err := runOnce(ctx, provider.ModeLive, recordings); err != nil {
		return err
	}

	entries, err := recordings.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nrecorded %d provider stream(s)\n\n", len(entries))

	fmt.Println("playback run, served from the recording:")
	return runOnce(ctx, provider.ModePlayback, recordings)
}

func runOnce(ctx context.Context, mode provider.Mode, recordings recorder.Store) error {
	wf, err := mathWorkflow()
	if err != nil {
		return err
	}
	s, err := scaffold.New(scaffold.Options{Mode: mode, Recordings: recordings})
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	if err := s.RegisterWorkflow(wf); err != nil {
		return err
	}

	id, err := s.CreateSession(ctx, "math", "2+2")
	if err != nil {
		return err
	}
	h := s.Hub(id)
	cleanup, err := console.Transport(os.Stdout, nil)(h)
	if err != nil {
		h.Close()
		return err
	}
	defer cleanup()

	ok, state, err := s.Wait(ctx, id)

	// Detach and wait for the pump so every buffered event is rendered
	// before the summary line.
	h.Close()
	<-h.Done()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s did not complete", id)
	}
	fmt.Printf("final state: goal=%v answer=%v\n", state["goal"], state["answer"])
	return nil
}

// mathWorkflow is the single-phase workflow of a solver agent: the input is
// an arithmetic goal, the agent streams the answer and reduces it onto
// state.
func mathWorkflow() (*workflow.Workflow, error) {
	solver := &workflow.Agent{
		Name:         "solver",
		Provider:     provider.NewScripted("scripted", "arith-1", script),
		OutputSchema: answerSchema,
		Prompt: func(st workflow.State) string {
			return fmt.Sprintf("Solve: %v", st["goal"])
		},
		Update: func(output map[string]any, draft workflow.State) {
			draft["answer"] = output["answer"]
		},
	}
	return workflow.New(workflow.Definition{
		Name:         "math",
		InitialState: workflow.State{"goal": "", "answer": ""},
		Start: func(input string, draft workflow.State) {
			draft["goal"] = input
		},
		Entry: "solve",
		Phases: map[string]workflow.Phase{
			"solve": {
				Run:  workflow.RunAgent(solver),
				Next: "done",
				Narrate: func(st workflow.State) (string, event.Importance) {
					return fmt.Sprintf("%v = %v", st["goal"], st["answer"]), event.ImportanceImportant
				},
			},
			"done": workflow.Terminal(),
		},
	})
}

// script answers the solver prompt the way a model would, as a deterministic
// stream: a text delta followed by the structured result.
func script(opts provider.StreamOptions) ([]*provider.StreamEvent, error) {
	goal := strings.TrimPrefix(opts.Prompt, "Solve: ")
	answer := solve(goal)
	return provider.ScriptOutput(answer, map[string]any{"answer": answer})
}

// solve evaluates the "a+b" goals the demo feeds the solver.
func solve(goal string) string {
	parts := strings.SplitN(goal, "+", 2)
	if len(parts) != 2 {
		return "?"
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errA != nil || errB != nil {
		return "?"
	}
	return strconv.Itoa(a + b)
}
