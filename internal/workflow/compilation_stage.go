package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// Exporter renders a manuscript into file artifacts.
type Exporter interface {
	Export(ctx context.Context, manuscript *domain.Manuscript) ([]domain.Artifact, error)
}

// CompilationStage hands approved content to the exporter.
type CompilationStage struct {
	exporter Exporter
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewCompilationStage creates a compilation stage.
func NewCompilationStage(exporter Exporter, metrics *observability.Metrics, logger zerolog.Logger) *CompilationStage {
	return &CompilationStage{
		exporter: exporter,
		metrics:  metrics,
		logger:   logger.With().Str("component", "compilation_stage").Logger(),
	}
}

// Compile exports the manuscript. Any exporter failure is returned as a
// *domain.FatalError.
func (s *CompilationStage) Compile(ctx context.Context, manuscript *domain.Manuscript) (_ []domain.Artifact, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.compilation_stage",
		attribute.String("book.id", manuscript.BookID.String()),
		attribute.Int("book.chapters", len(manuscript.Chapters)),
	)
	defer func() { observability.EndSpan(span, err) }()

	logger := observability.WithBookContext(s.logger, manuscript.BookID.String())
	start := time.Now()

	artifacts, err := s.exporter.Export(ctx, manuscript)
	elapsed := time.Since(start).Seconds()
	s.metrics.RecordStage(domain.StageCompilation, elapsed)
	if err != nil {
		s.metrics.RecordCompilation("failed", elapsed)
		logger.Error().Err(err).Msg("export failed")
		return nil, domain.NewFatalError("export", 1, err)
	}

	s.metrics.RecordCompilation("completed", elapsed)
	logger.Info().Int("artifacts", len(artifacts)).Float64("seconds", elapsed).Msg("book exported")
	return artifacts, nil
}

// buildManuscript orders the chapters 1..len(chapters) of a book.
func buildManuscript(book *domain.Book, chapters []*domain.Chapter) *domain.Manuscript {
	m := &domain.Manuscript{
		BookID:   book.ID,
		Title:    book.Title,
		Chapters: make([]domain.ManuscriptChapter, 0, len(chapters)),
	}
	for _, ch := range chapters {
		m.Chapters = append(m.Chapters, domain.ManuscriptChapter{
			Number:  ch.Number,
			Title:   ch.Title,
			Content: ch.Content,
		})
	}
	return m
}
