package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Register adds the workflows and activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(DailyWorkflow)
	w.RegisterWorkflow(BucketWorkflow)
	w.RegisterActivity(acts)
}

// NewWorker creates a worker on taskQueue with everything registered.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// StartDaily starts the daily workflow for p.RunDate and returns its run id.
// Starting a date whose workflow is still running attaches to it.
func StartDaily(ctx context.Context, c client.Client, taskQueue string, p DailyParams) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        DailyWorkflowID(p.RunDate),
		TaskQueue: taskQueue,
	}, DailyWorkflow, p)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: start daily run %s", p.RunDate)
	}
	return run, nil
}
