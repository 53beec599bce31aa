package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Worker defaults. Exports write whole manuscripts to disk, so the activity
// slots are kept well below the SDK default of 1000.
const (
	DefaultConcurrentExports       = 4
	DefaultConcurrentWorkflowTasks = 10
	DefaultPollers                 = 2
)

// WorkerConfig sizes the compile worker. Zero fields take the defaults above.
type WorkerConfig struct {
	TaskQueue               string
	ConcurrentExports       int
	ConcurrentWorkflowTasks int
	Pollers                 int
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c WorkerConfig) options() worker.Options {
	pollers := orDefault(c.Pollers, DefaultPollers)
	return worker.Options{
		MaxConcurrentActivityExecutionSize:     orDefault(c.ConcurrentExports, DefaultConcurrentExports),
		MaxConcurrentWorkflowTaskExecutionSize: orDefault(c.ConcurrentWorkflowTasks, DefaultConcurrentWorkflowTasks),
		MaxConcurrentActivityTaskPollers:       pollers,
		MaxConcurrentWorkflowTaskPollers:       pollers,
	}
}

// WorkerManager runs the worker that polls the compile task queue.
type WorkerManager struct {
	worker    worker.Worker
	taskQueue string
	workflows []string
}

func NewWorkerManager(c client.Client, cfg WorkerConfig) (*WorkerManager, error) {
	if cfg.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	return &WorkerManager{
		worker:    worker.New(c, cfg.TaskQueue, cfg.options()),
		taskQueue: cfg.TaskQueue,
	}, nil
}

// RegisterWorkflow registers fn under name, the name CompileClient starts.
func (m *WorkerManager) RegisterWorkflow(name string, fn any) {
	m.workflows = append(m.workflows, name)
	m.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

// RegisterActivity registers every exported method of a as an activity.
func (m *WorkerManager) RegisterActivity(a any) {
	m.worker.RegisterActivityWithOptions(a, activity.RegisterOptions{})
}

func (m *WorkerManager) Workflows() []string {
	return append([]string(nil), m.workflows...)
}

func (m *WorkerManager) TaskQueue() string {
	return m.taskQueue
}

// Run polls until ctx ends. Cancellation is a clean stop.
func (m *WorkerManager) Run(ctx context.Context) error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("start compile worker on %s: %w", m.taskQueue, err)
	}
	<-ctx.Done()
	m.worker.Stop()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
