// Package temporal runs book compilation as a durable Temporal workflow.
//
// The server side uses CompileClient, which starts CompileBookWorkflow under
// the ID compile-<bookID> and blocks until the artifacts are written. It
// satisfies the same exporter contract as the in-process file exporter, so the
// state machine does not know which one it is talking to.
//
// The worker side registers the workflow and its export activities:
//
//	mgr, err := temporal.NewWorkerManager(c, temporal.WorkerConfig{TaskQueue: cfg.TaskQueue})
//	if err != nil {
//	    return err
//	}
//	mgr.RegisterWorkflow(temporal.CompileBookWorkflowName, workflows.CompileBookWorkflow)
//	mgr.RegisterActivity(activities.NewExportActivities(exporter))
//	return mgr.Run(ctx)
//
// Client side failures come back as *CallError, classified as
// ErrFrontendUnreachable or ErrRequestRejected. A workflow that ran and
// failed is reported as domain.ErrWorkflowFailed instead.
package temporal
