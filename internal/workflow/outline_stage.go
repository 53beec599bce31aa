package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/llm"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// OutlineRequest is one outline generation intent.
type OutlineRequest struct {
	BookID       uuid.UUID
	Title        string
	Requirements string
	ChapterCount int
	// PriorOutline is the outline being revised, empty for a first draft.
	PriorOutline string
	// Feedback is the editor's revision feedback.
	Feedback string
}

// OutlineResult is a parsed outline.
type OutlineResult struct {
	Content  string
	Titles   []string
	Model    string
	Attempts int
}

// OutlineStage turns an outline intent into one adapter call and parses the
// result. It never touches persisted state.
type OutlineStage struct {
	gen     llm.Generator
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewOutlineStage creates an outline stage.
func NewOutlineStage(gen llm.Generator, metrics *observability.Metrics, logger zerolog.Logger) *OutlineStage {
	return &OutlineStage{
		gen:     gen,
		metrics: metrics,
		logger:  logger.With().Str("component", "outline_stage").Logger(),
	}
}

// Generate produces an outline with exactly req.ChapterCount chapter titles.
// Output that cannot be parsed into that count fails with a
// *domain.GenerationContractViolationError.
func (s *OutlineStage) Generate(ctx context.Context, req OutlineRequest) (_ *OutlineResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.outline_stage",
		attribute.String("book.id", req.BookID.String()),
		attribute.Int("book.chapter_count", req.ChapterCount),
	)
	defer func() { observability.EndSpan(span, err) }()

	in := outlinePromptInput{
		Title:        req.Title,
		Requirements: req.Requirements,
		ChapterCount: req.ChapterCount,
		PriorOutline: req.PriorOutline,
		Feedback:     req.Feedback,
	}
	logger := s.logger.With().Str("book_id", req.BookID.String()).Bool("revision", in.revision()).Logger()
	logger.Info().Int("chapters", req.ChapterCount).Msg("generating outline")

	start := time.Now()
	resp, err := s.gen.Generate(ctx, llm.Request{
		System: outlineSystemPrompt,
		Prompt: buildOutlinePrompt(in),
		Stage:  domain.StageOutline,
	})
	s.metrics.RecordStage(domain.StageOutline, time.Since(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("outline generation failed")
		return nil, err
	}

	content := strings.TrimSpace(resp.Text)
	titles, err := ParseChapterTitles(content, req.ChapterCount)
	if err != nil {
		s.metrics.RecordContractViolation(domain.StageOutline)
		logger.Warn().Err(err).Int("output_chars", len(content)).Msg("outline rejected by parser")
		return nil, err
	}

	logger.Info().
		Int("chapters", len(titles)).
		Int("attempts", resp.Attempts).
		Dur("duration", time.Since(start)).
		Msg("outline generated")

	return &OutlineResult{
		Content:  content,
		Titles:   titles,
		Model:    resp.Model,
		Attempts: resp.Attempts,
	}, nil
}
