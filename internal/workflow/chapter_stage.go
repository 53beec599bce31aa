package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/llm"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/repository"
)

// Chapter length defaults requested from the model.
const (
	defaultChapterMinWords = 2000
	defaultChapterMaxWords = 3000
	defaultSummaryMinWords = 150
	defaultSummaryMaxWords = 200

	summaryMaxTokens = 1024
)

// chapterHeading matches a leading "# Chapter N..." line written by the model.
var chapterHeading = regexp.MustCompile(`(?i)^#{1,6}\s*chapter\s+\d+\b[^\n]*`)

// ContentWriter persists generated chapter text. It writes content fields
// only; statuses stay with the state machine.
type ContentWriter interface {
	WriteContent(ctx context.Context, bookID uuid.UUID, number int, content, summary string) error
}

// storeContentWriter writes chapter content through a ChapterRepository.
type storeContentWriter struct {
	chapters repository.ChapterRepository
}

// NewContentWriter returns a ContentWriter backed by chapters.
func NewContentWriter(chapters repository.ChapterRepository) ContentWriter {
	return &storeContentWriter{chapters: chapters}
}

func (w *storeContentWriter) WriteContent(ctx context.Context, bookID uuid.UUID, number int, content, summary string) error {
	_, err := w.chapters.Update(ctx, bookID, number, func(ch *domain.Chapter) error {
		ch.Content = content
		ch.Summary = summary
		return nil
	})
	return err
}

// ChapterRequest is one chapter generation intent.
type ChapterRequest struct {
	BookID    uuid.UUID
	BookTitle string
	Number    int
	Title     string
	Context   *ChainContext
	// Notes carries the editor's feedback for a rewrite.
	Notes string
	// PriorContent is the draft being rewritten, empty for a first draft.
	PriorContent string
}

// ChapterResult is a generated and persisted chapter.
type ChapterResult struct {
	Content  string
	Summary  string
	Words    int
	Model    string
	Attempts int
}

// ChapterSettings holds the lengths requested from the model.
type ChapterSettings struct {
	MinWords        int
	MaxWords        int
	SummaryMinWords int
	SummaryMaxWords int
}

func (s ChapterSettings) withDefaults() ChapterSettings {
	if s.MinWords <= 0 {
		s.MinWords = defaultChapterMinWords
	}
	if s.MaxWords < s.MinWords {
		s.MaxWords = max(defaultChapterMaxWords, s.MinWords)
	}
	if s.SummaryMinWords <= 0 {
		s.SummaryMinWords = defaultSummaryMinWords
	}
	if s.SummaryMaxWords < s.SummaryMinWords {
		s.SummaryMaxWords = max(defaultSummaryMaxWords, s.SummaryMinWords)
	}
	return s
}

// ChapterStage generates one chapter and its summary, then saves both
// through its ContentWriter so finished work survives a later failure.
type ChapterStage struct {
	gen      llm.Generator
	writer   ContentWriter
	settings ChapterSettings
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewChapterStage creates a chapter stage.
func NewChapterStage(gen llm.Generator, writer ContentWriter, settings ChapterSettings, metrics *observability.Metrics, logger zerolog.Logger) *ChapterStage {
	return &ChapterStage{
		gen:      gen,
		writer:   writer,
		settings: settings.withDefaults(),
		metrics:  metrics,
		logger:   logger.With().Str("component", "chapter_stage").Logger(),
	}
}

// Generate writes chapter req.Number. Content is only persisted once its
// summary exists, so the context chain never has a gap.
func (s *ChapterStage) Generate(ctx context.Context, req ChapterRequest) (_ *ChapterResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.chapter_stage",
		attribute.String("book.id", req.BookID.String()),
		attribute.Int("chapter.number", req.Number),
	)
	defer func() { observability.EndSpan(span, err) }()

	logger := observability.WithChapterContext(s.logger, req.BookID.String(), req.Number)
	logger.Info().
		Ints("context_chapters", previousSummaries(req.Context)).
		Bool("revision", req.PriorContent != "").
		Msg("generating chapter")

	start := time.Now()
	defer func() { s.metrics.RecordStage(domain.StageChapter, time.Since(start).Seconds()) }()

	content, err := s.gen.Generate(ctx, llm.Request{
		System: chapterSystemPrompt,
		Prompt: buildChapterPrompt(chapterPromptInput{
			BookTitle:    req.BookTitle,
			Number:       req.Number,
			Title:        req.Title,
			Context:      req.Context,
			Notes:        req.Notes,
			PriorContent: req.PriorContent,
			MinWords:     s.settings.MinWords,
			MaxWords:     s.settings.MaxWords,
		}),
		Stage: domain.StageChapter,
	})
	if err != nil {
		logger.Error().Err(err).Msg("chapter generation failed")
		return nil, err
	}
	text := strings.TrimSpace(content.Text)
	if countWords(chapterHeading.ReplaceAllString(text, "")) == 0 {
		s.metrics.RecordContractViolation(domain.StageChapter)
		logger.Warn().Int("output_chars", len(text)).Msg("chapter has no prose")
		return nil, domain.NewContractViolation(domain.StageChapter, 0, 0, "chapter has no prose beyond its heading")
	}

	summary, err := s.gen.Generate(ctx, llm.Request{
		System:    summarySystemPrompt,
		Prompt:    buildSummaryPrompt(req.Number, req.Title, text, s.settings.SummaryMinWords, s.settings.SummaryMaxWords),
		MaxTokens: summaryMaxTokens,
		Stage:     domain.StageSummary,
	})
	if err != nil {
		logger.Error().Err(err).Msg("chapter summary failed")
		return nil, err
	}
	summaryText := strings.TrimSpace(summary.Text)
	if summaryText == "" {
		s.metrics.RecordContractViolation(domain.StageSummary)
		logger.Warn().Msg("chapter summary is empty")
		return nil, domain.NewContractViolation(domain.StageSummary, 0, 0, "summary is empty")
	}

	if err := s.writer.WriteContent(ctx, req.BookID, req.Number, text, summaryText); err != nil {
		return nil, fmt.Errorf("persist chapter %d content: %w", req.Number, err)
	}

	result := &ChapterResult{
		Content:  text,
		Summary:  summaryText,
		Words:    countWords(text),
		Model:    content.Model,
		Attempts: content.Attempts + summary.Attempts,
	}
	logger.Info().
		Int("words", result.Words).
		Int("summary_words", countWords(summaryText)).
		Int("attempts", result.Attempts).
		Dur("duration", time.Since(start)).
		Msg("chapter generated")

	return result, nil
}
