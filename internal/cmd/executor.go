package cmd

import (
	"context"
	"fmt"

	"github.com/ob-poc/runbook-engine/internal/cargoref"
	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/ids"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/tasks"
)

// Execute implements exec.VerbExecutor: it never runs a verb in
// process. It enqueues the step as an external CargoRef for the BPMN
// engine and reports Parked with the dispatch id as the correlation
// key — the key an engine completion callback later resumes the
// runbook by. internal/tasks.Worker (run by `serve`) drains the queue
// against internal/bpmnclient and is what actually advances execution.
func (e *verbRegistryExecutor) Execute(ctx context.Context, step planner.CompiledStep) (exec.StepResult, error) {
	taskID := ids.NewTaskID()
	ref := cargoref.External("runbook-engine", fmt.Sprintf("%s-%d", step.Verb, step.Index))

	if err := e.pending.Enqueue(ctx, tasks.PendingDispatch{
		ID:      taskID,
		Payload: ref,
	}); err != nil {
		return exec.StepResult{Outcome: exec.Failed},
			fmt.Errorf("cmd: enqueue step %d (%s): %w", step.Index, step.Verb, err)
	}
	return exec.StepResult{
		Outcome:        exec.Parked,
		CorrelationKey: taskID.String(),
		Message:        fmt.Sprintf("awaiting BPMN dispatch of %s", step.Verb),
	}, nil
}
