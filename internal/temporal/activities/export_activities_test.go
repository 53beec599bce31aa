package activities

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/export"
)

// stubExporter is a manual test double for ManuscriptExporter.
type stubExporter struct {
	artifacts []domain.Artifact
	err       error
	calls     int
}

func (s *stubExporter) Export(_ context.Context, _ *domain.Manuscript) ([]domain.Artifact, error) {
	s.calls++
	return s.artifacts, s.err
}

func sampleManuscript() domain.Manuscript {
	return domain.Manuscript{
		BookID: uuid.New(),
		Title:  "The Lighthouse",
		Chapters: []domain.ManuscriptChapter{
			{Number: 1, Title: "Arrival", Content: "The keeper arrived at dusk."},
			{Number: 2, Title: "Storm", Content: "The storm broke at midnight."},
		},
	}
}

func newFileExporter(t *testing.T) *export.FileExporter {
	t.Helper()
	e, err := export.NewFileExporter(export.Config{
		OutputDir: t.TempDir(),
		Formats:   []string{export.FormatMarkdown, export.FormatJSON},
	}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestExportActivities_ExportManuscript(t *testing.T) {
	t.Run("writes artifacts through the exporter", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()

		act := NewExportActivities(newFileExporter(t))
		env.RegisterActivity(act)

		val, err := env.ExecuteActivity(act.ExportManuscript, ExportManuscriptInput{Manuscript: sampleManuscript()})
		require.NoError(t, err)

		var out ExportManuscriptOutput
		require.NoError(t, val.Get(&out))
		require.Len(t, out.Artifacts, 2)
		assert.Equal(t, export.FormatMarkdown, out.Artifacts[0].Format)
		assert.Equal(t, export.FormatJSON, out.Artifacts[1].Format)
		for _, a := range out.Artifacts {
			assert.FileExists(t, a.Path)
			assert.NotEmpty(t, a.SHA256)
		}
	})

	t.Run("invalid manuscript is not retryable", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()

		act := NewExportActivities(newFileExporter(t))
		env.RegisterActivity(act)

		empty := domain.Manuscript{BookID: uuid.New(), Title: "Empty"}
		_, err := env.ExecuteActivity(act.ExportManuscript, ExportManuscriptInput{Manuscript: empty})
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeInvalidManuscript, appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})

	t.Run("other exporter failures stay retryable", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()

		stub := &stubExporter{err: errors.New("disk full")}
		act := NewExportActivities(stub)
		env.RegisterActivity(act)

		_, err := env.ExecuteActivity(act.ExportManuscript, ExportManuscriptInput{Manuscript: sampleManuscript()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.Equal(t, 1, stub.calls)

		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) {
			assert.False(t, appErr.NonRetryable())
		}
	})
}

func TestExportActivities_VerifyArtifacts(t *testing.T) {
	exportAll := func(t *testing.T) []domain.Artifact {
		t.Helper()
		m := sampleManuscript()
		artifacts, err := newFileExporter(t).Export(context.Background(), &m)
		require.NoError(t, err)
		return artifacts
	}

	t.Run("matching artifacts pass", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()
		act := NewExportActivities(&stubExporter{})
		env.RegisterActivity(act)

		_, err := env.ExecuteActivity(act.VerifyArtifacts, VerifyArtifactsInput{Artifacts: exportAll(t)})
		require.NoError(t, err)
	})

	t.Run("tampered artifact is rejected", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()
		act := NewExportActivities(&stubExporter{})
		env.RegisterActivity(act)

		artifacts := exportAll(t)
		require.NoError(t, os.WriteFile(artifacts[0].Path, []byte("rewritten"), 0o644))

		_, err := env.ExecuteActivity(act.VerifyArtifacts, VerifyArtifactsInput{Artifacts: artifacts})
		require.Error(t, err)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, ErrTypeArtifactMismatch, appErr.Type())
	})

	t.Run("missing artifact fails", func(t *testing.T) {
		suite := &testsuite.WorkflowTestSuite{}
		env := suite.NewTestActivityEnvironment()
		act := NewExportActivities(&stubExporter{})
		env.RegisterActivity(act)

		artifacts := exportAll(t)
		require.NoError(t, os.Remove(artifacts[1].Path))

		_, err := env.ExecuteActivity(act.VerifyArtifacts, VerifyArtifactsInput{Artifacts: artifacts})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "verify json artifact")
	})
}
