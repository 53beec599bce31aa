// Package activities holds the Temporal activities run by the compile worker.
package activities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// Application error types the compile workflow treats as non-retryable.
const (
	ErrTypeInvalidManuscript = "invalid_manuscript"
	ErrTypeArtifactMismatch  = "artifact_mismatch"
)

// ManuscriptExporter renders a manuscript into artifacts.
type ManuscriptExporter interface {
	Export(ctx context.Context, m *domain.Manuscript) ([]domain.Artifact, error)
}

// ExportActivities exports manuscripts and checks the written artifacts.
//
// Methods on this struct are registered as Temporal activities via the worker.
type ExportActivities struct {
	exporter ManuscriptExporter
}

// NewExportActivities creates ExportActivities backed by the given exporter.
func NewExportActivities(exporter ManuscriptExporter) *ExportActivities {
	return &ExportActivities{exporter: exporter}
}

// ExportManuscriptInput is the input for ExportManuscript.
type ExportManuscriptInput struct {
	Manuscript domain.Manuscript
}

// ExportManuscriptOutput is the output of ExportManuscript.
type ExportManuscriptOutput struct {
	Artifacts []domain.Artifact
}

// ExportManuscript writes every configured format for the manuscript.
// Validation failures are returned as non-retryable errors; everything else
// is left to the activity retry policy.
func (a *ExportActivities) ExportManuscript(ctx context.Context, input ExportManuscriptInput) (*ExportManuscriptOutput, error) {
	info := activity.GetInfo(ctx)
	ctx = observability.WithWorkflow(ctx, info.WorkflowExecution.ID, info.WorkflowExecution.RunID)

	logger := activity.GetLogger(ctx)
	logger.Info("exporting manuscript",
		"bookID", input.Manuscript.BookID,
		"chapters", len(input.Manuscript.Chapters),
	)

	artifacts, err := a.exporter.Export(ctx, &input.Manuscript)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidManuscript, err)
		}
		logger.Error("manuscript export failed", "bookID", input.Manuscript.BookID, "error", err)
		return nil, fmt.Errorf("export manuscript %s: %w", input.Manuscript.BookID, err)
	}

	logger.Info("manuscript exported", "bookID", input.Manuscript.BookID, "artifacts", len(artifacts))
	return &ExportManuscriptOutput{Artifacts: artifacts}, nil
}

// VerifyArtifactsInput is the input for VerifyArtifacts.
type VerifyArtifactsInput struct {
	Artifacts []domain.Artifact
}

// VerifyArtifacts re-reads each artifact and compares its size and digest with
// what the export reported.
func (a *ExportActivities) VerifyArtifacts(ctx context.Context, input VerifyArtifactsInput) error {
	logger := activity.GetLogger(ctx)

	for i, art := range input.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		size, sum, err := digestFile(art.Path)
		if err != nil {
			return fmt.Errorf("verify %s artifact: %w", art.Format, err)
		}
		if size != art.Bytes || sum != art.SHA256 {
			logger.Error("artifact mismatch", "path", art.Path, "bytes", size, "expectedBytes", art.Bytes)
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("artifact %s does not match its recorded digest", art.Path),
				ErrTypeArtifactMismatch,
				nil,
			)
		}
		activity.RecordHeartbeat(ctx, i+1)
	}
	return nil
}

func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
