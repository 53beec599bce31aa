package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/llm"
	"github.com/inkwell/book-generation-service/internal/lock"
	"github.com/inkwell/book-generation-service/internal/repository/repotest"
)

var (
	outlineCountPattern = regexp.MustCompile(`EXACTLY (\d+) chapters`)
	chapterPromptNumber = regexp.MustCompile(`Write Chapter (\d+) of a book`)
	summaryPromptNumber = regexp.MustCompile(`(?m)^Chapter (\d+): `)
)

type responder func(req llm.Request) (*llm.Response, error)

// fakeGenerator answers every stage with well-formed output unless a
// responder was queued for that stage.
type fakeGenerator struct {
	mu     sync.Mutex
	reqs   []llm.Request
	queued map[string][]responder
	drafts map[int]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{queued: map[string][]responder{}, drafts: map[int]int{}}
}

func (g *fakeGenerator) push(stage string, r responder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued[stage] = append(g.queued[stage], r)
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	var next responder
	if q := g.queued[req.Stage]; len(q) > 0 {
		next, g.queued[req.Stage] = q[0], q[1:]
	}
	g.mu.Unlock()

	if next != nil {
		return next(req)
	}
	return g.respond(req), nil
}

func (g *fakeGenerator) respond(req llm.Request) *llm.Response {
	switch req.Stage {
	case domain.StageOutline:
		n, _ := strconv.Atoi(outlineCountPattern.FindStringSubmatch(req.Prompt)[1])
		return textResponse(outlineText(n))
	case domain.StageChapter:
		n, _ := strconv.Atoi(chapterPromptNumber.FindStringSubmatch(req.Prompt)[1])
		g.mu.Lock()
		g.drafts[n]++
		draft := g.drafts[n]
		g.mu.Unlock()
		return textResponse(fmt.Sprintf("# Chapter %d\n\nThe story of chapter %d, draft %d.", n, n, draft))
	default:
		n, _ := strconv.Atoi(summaryPromptNumber.FindStringSubmatch(req.Prompt)[1])
		return textResponse(fmt.Sprintf("summary of chapter %d", n))
	}
}

// requests returns the recorded requests of one stage.
func (g *fakeGenerator) requests(stage string) []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []llm.Request
	for _, r := range g.reqs {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Text: text, Model: "fake-1", Attempts: 1}
}

func reply(text string) responder {
	return func(llm.Request) (*llm.Response, error) { return textResponse(text), nil }
}

func failWith(err error) responder {
	return func(llm.Request) (*llm.Response, error) { return nil, err }
}

func exhausted(stage string) error {
	return domain.NewFatalError("generate "+stage, 3, domain.NewTransientError("fake", fmt.Errorf("upstream unavailable")))
}

func outlineText(n int) string {
	var sb strings.Builder
	sb.WriteString("## BOOK OVERVIEW\nA book about tides.\n\n## CHAPTERS\n\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "Chapter %d: Title %d\nDescription: What happens in part %d.\nKey Points: one, two\n\n", i, i, i)
	}
	return sb.String()
}

type fakeExporter struct {
	mu          sync.Mutex
	err         error
	manuscripts []*domain.Manuscript
}

func (e *fakeExporter) Export(_ context.Context, m *domain.Manuscript) ([]domain.Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manuscripts = append(e.manuscripts, m)
	if e.err != nil {
		return nil, e.err
	}
	return []domain.Artifact{{Format: "markdown", Path: "/tmp/" + m.BookID.String() + "/book.md", Bytes: 42}}, nil
}

func (e *fakeExporter) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

type harness struct {
	sm       *StateMachine
	store    *repotest.Store
	gen      *fakeGenerator
	exporter *fakeExporter
	locker   *lock.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repotest.NewStore(),
		gen:      newFakeGenerator(),
		exporter: &fakeExporter{},
		locker:   lock.NewMemory(),
	}
	sm, err := NewStateMachine(Options{
		Store:       h.store,
		Generator:   h.gen,
		Exporter:    h.exporter,
		Locker:      h.locker,
		MinChapters: 1,
		MaxChapters: 50,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	h.sm = sm
	return h
}

func (h *harness) createBook(t *testing.T, chapters int) uuid.UUID {
	t.Helper()
	progress, err := h.sm.CreateBook(context.Background(), CreateBookInput{
		Title:              "The Long Tide",
		Requirements:       "A quiet novel about a lighthouse keeper.",
		TargetChapterCount: chapters,
	})
	require.NoError(t, err)
	return progress.Book.ID
}

// toOutlineReview creates a book and generates its outline.
func (h *harness) toOutlineReview(t *testing.T, chapters int) uuid.UUID {
	t.Helper()
	id := h.createBook(t, chapters)
	_, err := h.sm.RequestOutlineGeneration(context.Background(), id, "")
	require.NoError(t, err)
	return id
}

// toChapterReview advances a book until chapter n is under review.
func (h *harness) toChapterReview(t *testing.T, chapters, n int) uuid.UUID {
	t.Helper()
	id := h.toOutlineReview(t, chapters)
	_, err := h.sm.DecideOutline(context.Background(), id, Decision{Approved: true})
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		_, err := h.sm.DecideChapter(context.Background(), id, i, Decision{Approved: true})
		require.NoError(t, err)
	}
	return id
}

func (h *harness) status(t *testing.T, id uuid.UUID) *domain.BookProgress {
	t.Helper()
	p, err := h.sm.Status(context.Background(), id)
	require.NoError(t, err)
	return p
}

// actions returns the generation log actions of a book, oldest first.
func (h *harness) actions(t *testing.T, id uuid.UUID) []string {
	t.Helper()
	logs, err := h.store.Logs().ListByBook(context.Background(), id, 0)
	require.NoError(t, err)
	out := make([]string, len(logs))
	for i, l := range logs {
		out[len(logs)-1-i] = l.Stage + "." + l.Action
	}
	return out
}

func intPtr(v int) *int { return &v }
