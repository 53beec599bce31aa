package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/domain"
)

type mockContentWriter struct {
	mock.Mock
}

func (m *mockContentWriter) WriteContent(ctx context.Context, bookID uuid.UUID, number int, content, summary string) error {
	args := m.Called(ctx, bookID, number, content, summary)
	return args.Error(0)
}

func TestOutlineStage_Generate(t *testing.T) {
	t.Parallel()
	gen := newFakeGenerator()
	stage := NewOutlineStage(gen, nil, zerolog.Nop())

	res, err := stage.Generate(context.Background(), OutlineRequest{
		BookID:       uuid.New(),
		Title:        "The Long Tide",
		Requirements: "lighthouse",
		ChapterCount: 4,
	})
	require.NoError(t, err)
	assert.Len(t, res.Titles, 4)
	assert.Equal(t, "fake-1", res.Model)

	reqs := gen.requests(domain.StageOutline)
	require.Len(t, reqs, 1, "exactly one adapter call per attempt")
	assert.Equal(t, outlineSystemPrompt, reqs[0].System)
	assert.Contains(t, reqs[0].Prompt, "EXACTLY 4 chapters")
	assert.Contains(t, reqs[0].Prompt, "lighthouse")
	assert.NotContains(t, reqs[0].Prompt, "Original Outline:")
}

func TestOutlineStage_ContractViolationIsNotRetried(t *testing.T) {
	t.Parallel()
	gen := newFakeGenerator()
	gen.push(domain.StageOutline, reply(outlineText(5)))
	stage := NewOutlineStage(gen, nil, zerolog.Nop())

	_, err := stage.Generate(context.Background(), OutlineRequest{BookID: uuid.New(), ChapterCount: 3})
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	assert.Equal(t, 1, gen.calls())
}

func TestChapterStage_Generate(t *testing.T) {
	t.Parallel()
	gen := newFakeGenerator()
	writer := &mockContentWriter{}
	bookID := uuid.New()
	stage := NewChapterStage(gen, writer, ChapterSettings{MinWords: 100, MaxWords: 200}, nil, zerolog.Nop())

	writer.On("WriteContent", mock.Anything, bookID, 2,
		"# Chapter 2\n\nThe story of chapter 2, draft 1.", "summary of chapter 2").Return(nil).Once()

	res, err := stage.Generate(context.Background(), ChapterRequest{
		BookID:    bookID,
		BookTitle: "The Long Tide",
		Number:    2,
		Title:     "Storm Season",
		Context: &ChainContext{
			Outline:  "the outline",
			Previous: []domain.ChapterSummary{{Number: 1, Title: "The Keeper", Summary: "he keeps the light"}},
		},
		Notes: "more weather",
	})
	require.NoError(t, err)
	writer.AssertExpectations(t)

	assert.Equal(t, "summary of chapter 2", res.Summary)
	assert.Equal(t, 10, res.Words)
	assert.Equal(t, 2, res.Attempts)

	content := gen.requests(domain.StageChapter)[0]
	assert.Contains(t, content.Prompt, "Chapter 1 Summary: he keeps the light")
	assert.Contains(t, content.Prompt, "more weather")
	assert.Contains(t, content.Prompt, "aim for 100-200 words")
	assert.Contains(t, content.Prompt, `Begin the chapter with "# Chapter 2: Storm Season"`)

	summary := gen.requests(domain.StageSummary)[0]
	assert.Equal(t, summaryMaxTokens, summary.MaxTokens)
	assert.Contains(t, summary.Prompt, "150-200 words")
	assert.True(t, strings.HasSuffix(summary.Prompt, "Provide a clear, concise summary:"))
}

func TestChapterStage_FailuresPersistNothing(t *testing.T) {
	t.Parallel()

	for _, stageName := range []string{domain.StageChapter, domain.StageSummary} {
		t.Run(stageName, func(t *testing.T) {
			t.Parallel()
			gen := newFakeGenerator()
			gen.push(stageName, failWith(exhausted(stageName)))
			writer := &mockContentWriter{}
			stage := NewChapterStage(gen, writer, ChapterSettings{}, nil, zerolog.Nop())

			_, err := stage.Generate(context.Background(), ChapterRequest{BookID: uuid.New(), Number: 1, Title: "A"})
			assert.ErrorIs(t, err, domain.ErrFatal)
			writer.AssertNotCalled(t, "WriteContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestChapterStage_EmptyOutputViolatesContract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stage string
		text  string
		calls int
	}{
		{"heading only", domain.StageChapter, "# Chapter 1: A\n\n", 1},
		{"whitespace chapter", domain.StageChapter, " \n\t", 1},
		{"empty summary", domain.StageSummary, "  ", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gen := newFakeGenerator()
			gen.push(tc.stage, reply(tc.text))
			writer := &mockContentWriter{}
			stage := NewChapterStage(gen, writer, ChapterSettings{}, nil, zerolog.Nop())

			_, err := stage.Generate(context.Background(), ChapterRequest{BookID: uuid.New(), Number: 1, Title: "A"})
			var cv *domain.GenerationContractViolationError
			require.ErrorAs(t, err, &cv)
			assert.Equal(t, tc.stage, cv.Stage)
			assert.Equal(t, tc.calls, gen.calls())
			writer.AssertNotCalled(t, "WriteContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestChapterStage_WriteFailure(t *testing.T) {
	t.Parallel()
	gen := newFakeGenerator()
	writer := &mockContentWriter{}
	writer.On("WriteContent", mock.Anything, mock.Anything, 1, mock.Anything, mock.Anything).Return(errors.New("db down"))
	stage := NewChapterStage(gen, writer, ChapterSettings{}, nil, zerolog.Nop())

	_, err := stage.Generate(context.Background(), ChapterRequest{BookID: uuid.New(), Number: 1, Title: "A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist chapter 1 content: db down")
}

func TestChapterSettings_WithDefaults(t *testing.T) {
	t.Parallel()

	got := ChapterSettings{}.withDefaults()
	assert.Equal(t, ChapterSettings{MinWords: 2000, MaxWords: 3000, SummaryMinWords: 150, SummaryMaxWords: 200}, got)

	got = ChapterSettings{MinWords: 4000, SummaryMinWords: 300}.withDefaults()
	assert.Equal(t, 4000, got.MaxWords)
	assert.Equal(t, 300, got.SummaryMaxWords)
}

func TestCompilationStage_Compile(t *testing.T) {
	t.Parallel()
	exporter := &fakeExporter{}
	stage := NewCompilationStage(exporter, nil, zerolog.Nop())

	book := &domain.Book{ID: uuid.New(), Title: "The Long Tide"}
	m := buildManuscript(book, []*domain.Chapter{
		{Number: 1, Title: "A", Content: "one"},
		{Number: 2, Title: "B", Content: "two"},
	})

	artifacts, err := stage.Compile(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
	require.Len(t, exporter.manuscripts, 1)
	assert.Equal(t, []domain.ManuscriptChapter{
		{Number: 1, Title: "A", Content: "one"},
		{Number: 2, Title: "B", Content: "two"},
	}, exporter.manuscripts[0].Chapters)

	exporter.setErr(errors.New("disk full"))
	_, err = stage.Compile(context.Background(), m)
	var fe *domain.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "export", fe.Op)
}

func TestStoreContentWriter(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.toChapterReview(t, 2, 1)

	w := NewContentWriter(h.store.Chapters())
	require.NoError(t, w.WriteContent(context.Background(), id, 1, "new text", "new summary"))

	ch, err := h.store.Chapters().Get(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, "new text", ch.Content)
	assert.Equal(t, "new summary", ch.Summary)
	assert.Equal(t, domain.ChapterStatusPendingApproval, ch.Status, "only content fields are written")

	err = w.WriteContent(context.Background(), id, 9, "x", "y")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPromptHelpers(t *testing.T) {
	t.Parallel()

	p := buildOutlinePrompt(outlinePromptInput{Title: "T", ChapterCount: 2, PriorOutline: "old", Feedback: "fix it"})
	assert.Contains(t, p, "Original Outline:\nold")
	assert.Contains(t, p, "Editor's Feedback:\nfix it")
	assert.Contains(t, p, "keeping exactly 2 chapters")

	assert.Equal(t, []int{1, 2}, previousSummaries(&ChainContext{Previous: []domain.ChapterSummary{{Number: 1}, {Number: 2}}}))
	assert.Nil(t, previousSummaries(nil))
	assert.Equal(t, 3, countWords(" one two\nthree "))
}
