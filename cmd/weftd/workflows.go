package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

var answerSchema = schema.MustParse(`{
	"type": "object",
	"properties": {"answer": {"type": "string"}},
	"required": ["answer"]
}`)

// registerWorkflows installs the workflows this server exposes. The bundled
// math workflow binds whatever provider the config selected; deployments
// embedding the runtime register their own definitions here instead.
func registerWorkflows(s *scaffold.Scaffold, prov provider.Provider) error {
	wf, err := mathWorkflow(prov)
	if err != nil {
		return err
	}
	return s.RegisterWorkflow(wf)
}

// mathWorkflow is a single-phase workflow: the session input is an
// arithmetic goal, a solver agent streams the answer and reduces it onto
// state, and a narrative summarizes the result.
func mathWorkflow(prov provider.Provider) (*workflow.Workflow, error) {
	solver := &workflow.Agent{
		Name:         "solver",
		Provider:     prov,
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

// arithScript backs the default scripted provider so the server works out of
// the box with no credentials. It answers solver prompts deterministically.
func arithScript(opts provider.StreamOptions) ([]*provider.StreamEvent, error) {
	goal := strings.TrimPrefix(opts.Prompt, "Solve: ")
	answer := solve(goal)
	return provider.ScriptOutput(answer, map[string]any{"answer": answer})
}

// solve evaluates the "a+b" goals the math workflow feeds the solver.
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
