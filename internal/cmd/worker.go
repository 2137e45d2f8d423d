package cmd

import "github.com/ob-poc/runbook-engine/internal/tasks"

// newDispatchWorker wires the Task Queue's retry worker to the real
// BPMN gRPC client, so a step parked by verbRegistryExecutor.Execute
// eventually dispatches for real once internal/bpmnclient's breaker
// reports the engine serving.
func newDispatchWorker(app *App) *tasks.Worker {
	return tasks.NewWorker(app.Pending, app.BPMN.Dispatch, app.Log)
}
