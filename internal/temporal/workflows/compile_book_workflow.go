// Package workflows defines the Temporal workflows run by the compile worker.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	litemporal "github.com/inkwell/book-generation-service/internal/temporal"
	"github.com/inkwell/book-generation-service/internal/temporal/activities"
)

// Activity timeouts.
const (
	exportActivityTimeout = 5 * time.Minute
	verifyActivityTimeout = time.Minute
)

// ErrTypeEmptyManuscript marks a workflow started without chapters.
const ErrTypeEmptyManuscript = "empty_manuscript"

// CompileBookWorkflow exports an approved manuscript and verifies the written
// artifacts. Export is retried with backoff; invalid input and digest
// mismatches fail the run immediately.
func CompileBookWorkflow(ctx workflow.Context, input litemporal.CompileInput) (*litemporal.CompileResult, error) {
	logger := workflow.GetLogger(ctx)
	m := input.Manuscript

	if len(m.Chapters) == 0 {
		return nil, temporal.NewNonRetryableApplicationError("manuscript has no chapters", ErrTypeEmptyManuscript, nil)
	}

	logger.Info("compiling book", "bookID", m.BookID, "chapters", len(m.Chapters))

	nonRetryable := []string{activities.ErrTypeInvalidManuscript, activities.ErrTypeArtifactMismatch}

	exportCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: exportActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        2 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: nonRetryable,
		},
	})
	verifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: verifyActivityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: nonRetryable,
		},
	})

	var exportAct *activities.ExportActivities

	var exported activities.ExportManuscriptOutput
	if err := workflow.ExecuteActivity(exportCtx, exportAct.ExportManuscript, activities.ExportManuscriptInput{
		Manuscript: m,
	}).Get(ctx, &exported); err != nil {
		logger.Error("export failed", "bookID", m.BookID, "error", err)
		return nil, err
	}

	if err := workflow.ExecuteActivity(verifyCtx, exportAct.VerifyArtifacts, activities.VerifyArtifactsInput{
		Artifacts: exported.Artifacts,
	}).Get(ctx, nil); err != nil {
		logger.Error("artifact verification failed", "bookID", m.BookID, "error", err)
		return nil, err
	}

	logger.Info("book compiled", "bookID", m.BookID, "artifacts", len(exported.Artifacts))
	return &litemporal.CompileResult{Artifacts: exported.Artifacts}, nil
}
