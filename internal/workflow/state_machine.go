package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/llm"
	"github.com/inkwell/book-generation-service/internal/lock"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/outbox"
	"github.com/inkwell/book-generation-service/internal/repository"
)

// Generation log actions.
const (
	actionCreated           = "created"
	actionGenerationStarted = "generation_started"
	actionGenerated         = "generated"
	actionGenerationFailed  = "generation_failed"
	actionContractViolation = "contract_violation"
	actionApproved          = "approved"
	actionRejected          = "rejected"
	actionCompileStarted    = "compile_started"
	actionCompiled          = "compiled"
	actionCompileFailed     = "compile_failed"
)

// CreateBookInput is the caller input for a new book.
type CreateBookInput struct {
	Title              string
	Requirements       string
	TargetChapterCount int
}

// Decision is an approve or reject verdict on an outline or chapter.
// Feedback is required on rejection and ignored on approval.
type Decision struct {
	Approved bool
	Feedback string
	Rating   *int
}

func (d Decision) validate() error {
	if err := domain.ValidateRating(d.Rating); err != nil {
		return err
	}
	if !d.Approved && strings.TrimSpace(d.Feedback) == "" {
		return domain.NewValidationError("feedback", "required when rejecting")
	}
	return nil
}

// Options wires a StateMachine. Store, Generator and Exporter are required.
type Options struct {
	Store     repository.Store
	Generator llm.Generator
	Exporter  Exporter
	// Locker defaults to an in-process lock.
	Locker lock.Locker
	// Publisher defaults to a publisher with the default emitter.
	Publisher *outbox.Publisher
	Chapter   ChapterSettings
	// MinChapters and MaxChapters bound the target chapter count and are
	// clamped to the domain limits.
	MinChapters int
	MaxChapters int
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// StateMachine is the only writer of book, outline, chapter and final state
// statuses. Every mutating operation holds the book lock for its duration,
// and every position change goes through a compare-and-set committed in the
// same transaction as its entity updates, audit log and outbox event.
type StateMachine struct {
	store     repository.Store
	locker    lock.Locker
	publisher *outbox.Publisher
	contexts  *ContextBuilder
	outlines  *OutlineStage
	chapters  *ChapterStage
	compiler  *CompilationStage

	minChapters int
	maxChapters int

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(opts Options) (*StateMachine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("workflow: store is required")
	case opts.Generator == nil:
		return nil, errors.New("workflow: generator is required")
	case opts.Exporter == nil:
		return nil, errors.New("workflow: exporter is required")
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Publisher == nil {
		opts.Publisher = outbox.NewPublisher(nil)
	}

	minChapters := max(opts.MinChapters, domain.MinChapterCount)
	maxChapters := opts.MaxChapters
	if maxChapters <= 0 || maxChapters > domain.MaxChapterCount {
		maxChapters = domain.MaxChapterCount
	}
	if maxChapters < minChapters {
		return nil, fmt.Errorf("workflow: max chapters %d is below min chapters %d", maxChapters, minChapters)
	}

	logger := opts.Logger.With().Str("component", "state_machine").Logger()
	return &StateMachine{
		store:       opts.Store,
		locker:      opts.Locker,
		publisher:   opts.Publisher,
		contexts:    NewContextBuilder(opts.Store),
		outlines:    NewOutlineStage(opts.Generator, opts.Metrics, opts.Logger),
		chapters:    NewChapterStage(opts.Generator, NewContentWriter(opts.Store.Chapters()), opts.Chapter, opts.Metrics, opts.Logger),
		compiler:    NewCompilationStage(opts.Exporter, opts.Metrics, opts.Logger),
		minChapters: minChapters,
		maxChapters: maxChapters,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

// CreateBook stores a new book in created together with its pending outline.
func (m *StateMachine) CreateBook(ctx context.Context, in CreateBookInput) (*domain.BookProgress, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Requirements = strings.TrimSpace(in.Requirements)
	bookID := uuid.New()

	err := m.observe(ctx, "create_book", bookID, func(ctx context.Context) error {
		if in.Title == "" {
			return domain.NewValidationError("title", "must not be empty")
		}
		if in.TargetChapterCount < m.minChapters || in.TargetChapterCount > m.maxChapters {
			return domain.NewValidationError("target_chapter_count",
				fmt.Sprintf("must be between %d and %d", m.minChapters, m.maxChapters))
		}

		now := time.Now().UTC()
		book := &domain.Book{
			ID:                 bookID,
			Title:              in.Title,
			Requirements:       in.Requirements,
			TargetChapterCount: in.TargetChapterCount,
			State:              domain.BookStateCreated,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		outline := &domain.Outline{
			ID:          uuid.New(),
			BookID:      bookID,
			NotesBefore: in.Requirements,
			Status:      domain.OutlineStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		return m.store.WithTx(ctx, func(tx repository.Store) error {
			if err := tx.Books().Create(ctx, book); err != nil {
				return fmt.Errorf("create book: %w", err)
			}
			if err := tx.Outlines().Create(ctx, outline); err != nil {
				return fmt.Errorf("create outline: %w", err)
			}
			return m.record(ctx, tx, bookID, domain.StageBook, actionCreated,
				map[string]any{"target_chapter_count": in.TargetChapterCount},
				&outbox.EmitParams{
					EventType: domain.EventTypeBookCreated,
					Payload: domain.BookCreatedPayload{
						BookID:             bookID,
						Title:              in.Title,
						TargetChapterCount: in.TargetChapterCount,
					},
				})
		})
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordBookCreated()
	return m.Status(ctx, bookID)
}

// RequestOutlineGeneration generates the outline. It is legal from created,
// from outline_review when feedback is given, from outline_generating to
// retry an attempt whose output was rejected, and from failed when the
// outline never got content.
func (m *StateMachine) RequestOutlineGeneration(ctx context.Context, bookID uuid.UUID, feedback string) (*domain.BookProgress, error) {
	feedback = strings.TrimSpace(feedback)
	err := m.observe(ctx, "request_outline", bookID, func(ctx context.Context) error {
		return m.withLock(ctx, bookID, func(ctx context.Context) error {
			book, outline, err := m.loadOutline(ctx, bookID)
			if err != nil {
				return err
			}

			switch {
			case book.State == domain.BookStateCreated,
				book.State == domain.BookStateOutlineGenerating,
				book.State == domain.BookStateFailed && book.CurrentChapter == 0:
			case book.State == domain.BookStateOutlineReview:
				if feedback == "" {
					return invalidTransition("outline", book.Position(), "generate", "revision feedback is required")
				}
			default:
				return invalidTransition("outline", book.Position(), "generate", "")
			}

			return m.regenerateOutline(ctx, book, outline, feedback)
		})
	})
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, bookID)
}

// DecideOutline approves or rejects the outline under review. Approval moves
// the book to chapter 1 and generates it; rejection regenerates the outline
// with the feedback.
func (m *StateMachine) DecideOutline(ctx context.Context, bookID uuid.UUID, d Decision) (*domain.BookProgress, error) {
	d.Feedback = strings.TrimSpace(d.Feedback)
	err := m.observe(ctx, "decide_outline", bookID, func(ctx context.Context) error {
		if err := d.validate(); err != nil {
			return err
		}
		return m.withLock(ctx, bookID, func(ctx context.Context) error {
			book, outline, err := m.loadOutline(ctx, bookID)
			if err != nil {
				return err
			}
			if book.State != domain.BookStateOutlineReview {
				return invalidTransition("outline", book.Position(), "decide", "")
			}
			if !outline.Status.Decidable() {
				return invalidTransition("outline", book.Position(), "decide", "outline is "+string(outline.Status))
			}

			if !d.Approved {
				return m.rejectOutline(ctx, book, outline, d)
			}
			return m.approveOutline(ctx, book, outline, d)
		})
	})
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, bookID)
}

func (m *StateMachine) rejectOutline(ctx context.Context, book *domain.Book, outline *domain.Outline, d Decision) error {
	err := m.commit(ctx, transition{
		bookID: book.ID,
		from:   book.Position(),
		to:     book.Position(),
		stage:  domain.StageOutline,
		action: actionRejected,
		details: map[string]any{
			"feedback": d.Feedback,
			"rating":   d.Rating,
		},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeOutlineDecided,
			Payload: domain.DecisionPayload{
				BookID:    book.ID,
				Approved:  false,
				Rating:    d.Rating,
				NextState: domain.BookStateOutlineGenerating,
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			updated, err := tx.Outlines().Update(ctx, book.ID, func(o *domain.Outline) error {
				o.Status = domain.OutlineStatusNeedsRevision
				o.NotesAfter = d.Feedback
				if d.Rating != nil {
					o.Rating = d.Rating
				}
				return nil
			})
			if err == nil {
				outline = updated
			}
			return err
		},
	})
	if err != nil {
		return err
	}
	return m.regenerateOutline(ctx, book, outline, d.Feedback)
}

func (m *StateMachine) approveOutline(ctx context.Context, book *domain.Book, outline *domain.Outline, d Decision) error {
	first := domain.Position{State: domain.BookStateChapterGenerating, Chapter: 1}
	chapter := &domain.Chapter{
		ID:     uuid.New(),
		BookID: book.ID,
		Number: 1,
		Title:  outline.ChapterTitle(1),
		Status: domain.ChapterStatusGenerating,
	}

	err := m.commit(ctx, transition{
		bookID:  book.ID,
		from:    book.Position(),
		to:      first,
		stage:   domain.StageOutline,
		action:  actionApproved,
		details: map[string]any{"rating": d.Rating},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeOutlineDecided,
			Payload: domain.DecisionPayload{
				BookID:    book.ID,
				Approved:  true,
				Rating:    d.Rating,
				NextState: domain.BookStateChapterGenerating,
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			if _, err := tx.Outlines().Update(ctx, book.ID, func(o *domain.Outline) error {
				o.Status = domain.OutlineStatusApproved
				if d.Rating != nil {
					o.Rating = d.Rating
				}
				return nil
			}); err != nil {
				return err
			}
			return tx.Chapters().Create(ctx, chapter)
		},
	})
	if err != nil {
		return err
	}

	book.State, book.CurrentChapter = first.State, first.Chapter
	return m.generateChapter(ctx, book, chapter)
}

// DecideChapter approves or rejects chapter n. Only the lowest chapter not
// yet approved can be decided, and only while it is under review. Approving
// the last chapter moves the book to compiling; approving any other chapter
// creates and generates the next one.
func (m *StateMachine) DecideChapter(ctx context.Context, bookID uuid.UUID, n int, d Decision) (*domain.BookProgress, error) {
	d.Feedback = strings.TrimSpace(d.Feedback)
	err := m.observe(ctx, "decide_chapter", bookID, func(ctx context.Context) error {
		if n < 1 {
			return domain.NewValidationError("chapter_number", "must be at least 1")
		}
		if err := d.validate(); err != nil {
			return err
		}
		return m.withLock(ctx, bookID, func(ctx context.Context) error {
			book, err := m.store.Books().Get(ctx, bookID)
			if err != nil {
				return err
			}
			chapters, err := m.store.Chapters().ListByBook(ctx, bookID)
			if err != nil {
				return fmt.Errorf("load chapters: %w", err)
			}

			if lowest := lowestUnapproved(book, chapters); n != lowest {
				return invalidTransition("chapter "+strconv.Itoa(n), book.Position(), "decide",
					"chapter "+strconv.Itoa(lowest)+" must be decided first")
			}
			if book.State != domain.BookStateChapterReview || book.CurrentChapter != n {
				return invalidTransition("chapter "+strconv.Itoa(n), book.Position(), "decide", "chapter is not under review")
			}
			chapter := findChapter(chapters, n)
			if chapter == nil || !chapter.Status.Decidable() {
				return invalidTransition("chapter "+strconv.Itoa(n), book.Position(), "decide", "chapter has nothing to decide")
			}

			if !d.Approved {
				return m.rejectChapter(ctx, book, chapter, d)
			}
			return m.approveChapter(ctx, book, chapter, d)
		})
	})
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, bookID)
}

func (m *StateMachine) rejectChapter(ctx context.Context, book *domain.Book, chapter *domain.Chapter, d Decision) error {
	err := m.commit(ctx, transition{
		bookID: book.ID,
		from:   book.Position(),
		to:     book.Position(),
		stage:  domain.StageChapter,
		action: actionRejected,
		details: map[string]any{
			"chapter":  chapter.Number,
			"feedback": d.Feedback,
			"rating":   d.Rating,
		},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeChapterDecided,
			Payload: domain.DecisionPayload{
				BookID:        book.ID,
				ChapterNumber: chapter.Number,
				Approved:      false,
				Rating:        d.Rating,
				NextState:     domain.BookStateChapterGenerating,
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			updated, err := tx.Chapters().Update(ctx, book.ID, chapter.Number, func(ch *domain.Chapter) error {
				ch.Status = domain.ChapterStatusNeedsRevision
				ch.Notes = d.Feedback
				if d.Rating != nil {
					ch.Rating = d.Rating
				}
				return nil
			})
			if err == nil {
				chapter = updated
			}
			return err
		},
	})
	if err != nil {
		return err
	}
	return m.regenerateChapter(ctx, book, chapter, d.Feedback)
}

func (m *StateMachine) approveChapter(ctx context.Context, book *domain.Book, chapter *domain.Chapter, d Decision) error {
	approve := func(ctx context.Context, tx repository.Store) error {
		_, err := tx.Chapters().Update(ctx, book.ID, chapter.Number, func(ch *domain.Chapter) error {
			ch.Status = domain.ChapterStatusApproved
			if d.Rating != nil {
				ch.Rating = d.Rating
			}
			return nil
		})
		return err
	}
	decided := func(next domain.BookState) *outbox.EmitParams {
		return &outbox.EmitParams{
			EventType: domain.EventTypeChapterDecided,
			Payload: domain.DecisionPayload{
				BookID:        book.ID,
				ChapterNumber: chapter.Number,
				Approved:      true,
				Rating:        d.Rating,
				NextState:     next,
			},
		}
	}
	details := map[string]any{"chapter": chapter.Number, "rating": d.Rating}

	if chapter.Number >= book.TargetChapterCount {
		return m.commit(ctx, transition{
			bookID:  book.ID,
			from:    book.Position(),
			to:      domain.Position{State: domain.BookStateCompiling},
			stage:   domain.StageChapter,
			action:  actionApproved,
			details: details,
			event:   decided(domain.BookStateCompiling),
			apply:   approve,
		})
	}

	outline, err := m.store.Outlines().GetByBook(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("load outline: %w", err)
	}
	nextNumber := chapter.Number + 1
	next := &domain.Chapter{
		ID:     uuid.New(),
		BookID: book.ID,
		Number: nextNumber,
		Title:  outline.ChapterTitle(nextNumber),
		Status: domain.ChapterStatusGenerating,
	}
	to := domain.Position{State: domain.BookStateChapterGenerating, Chapter: nextNumber}

	err = m.commit(ctx, transition{
		bookID:  book.ID,
		from:    book.Position(),
		to:      to,
		stage:   domain.StageChapter,
		action:  actionApproved,
		details: details,
		event:   decided(domain.BookStateChapterGenerating),
		apply: func(ctx context.Context, tx repository.Store) error {
			if err := approve(ctx, tx); err != nil {
				return err
			}
			return tx.Chapters().Create(ctx, next)
		},
	})
	if err != nil {
		return err
	}

	book.State, book.CurrentChapter = to.State, to.Chapter
	return m.generateChapter(ctx, book, next)
}

// RegenerateChapter retries generation of chapter n. It is legal while the
// book is generating or reviewing chapter n, and after a generation failure
// of chapter n.
func (m *StateMachine) RegenerateChapter(ctx context.Context, bookID uuid.UUID, n int, feedback string) (*domain.BookProgress, error) {
	feedback = strings.TrimSpace(feedback)
	err := m.observe(ctx, "regenerate_chapter", bookID, func(ctx context.Context) error {
		if n < 1 {
			return domain.NewValidationError("chapter_number", "must be at least 1")
		}
		return m.withLock(ctx, bookID, func(ctx context.Context) error {
			book, err := m.store.Books().Get(ctx, bookID)
			if err != nil {
				return err
			}

			legal := book.CurrentChapter == n &&
				(book.State == domain.BookStateChapterGenerating ||
					book.State == domain.BookStateChapterReview ||
					book.State == domain.BookStateFailed)
			if !legal {
				return invalidTransition("chapter "+strconv.Itoa(n), book.Position(), "regenerate", "")
			}

			chapter, err := m.store.Chapters().Get(ctx, bookID, n)
			if err != nil {
				return err
			}
			if chapter.Status == domain.ChapterStatusApproved {
				return invalidTransition("chapter "+strconv.Itoa(n), book.Position(), "regenerate", "chapter is approved")
			}
			return m.regenerateChapter(ctx, book, chapter, feedback)
		})
	})
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, bookID)
}

// Compile exports a book whose outline and chapters are all approved. On
// failure the final state records the error and the book stays in
// compiling so the call can be repeated.
func (m *StateMachine) Compile(ctx context.Context, bookID uuid.UUID, rating *int) (*domain.BookProgress, error) {
	err := m.observe(ctx, "compile", bookID, func(ctx context.Context) error {
		if err := domain.ValidateRating(rating); err != nil {
			return err
		}
		return m.withLock(ctx, bookID, func(ctx context.Context) error {
			book, outline, err := m.loadOutline(ctx, bookID)
			if err != nil {
				return err
			}
			if book.State != domain.BookStateCompiling {
				return invalidTransition("book", book.Position(), "compile", "")
			}
			if outline.Status != domain.OutlineStatusApproved {
				return invalidTransition("book", book.Position(), "compile", "outline is not approved")
			}
			chapters, err := m.store.Chapters().ListByBook(ctx, bookID)
			if err != nil {
				return fmt.Errorf("load chapters: %w", err)
			}
			if lowest := lowestUnapproved(book, chapters); lowest <= book.TargetChapterCount {
				return invalidTransition("book", book.Position(), "compile",
					"chapter "+strconv.Itoa(lowest)+" is not approved")
			}
			return m.compile(ctx, book, chapters[:book.TargetChapterCount], rating)
		})
	})
	if err != nil {
		return nil, err
	}
	return m.Status(ctx, bookID)
}

func (m *StateMachine) compile(ctx context.Context, book *domain.Book, chapters []*domain.Chapter, rating *int) error {
	pos := book.Position()
	err := m.commit(ctx, transition{
		bookID:  book.ID,
		from:    pos,
		to:      pos,
		stage:   domain.StageCompilation,
		action:  actionCompileStarted,
		details: map[string]any{"chapters": len(chapters), "rating": rating},
		apply: func(ctx context.Context, tx repository.Store) error {
			if _, err := tx.FinalStates().GetOrCreate(ctx, book.ID); err != nil {
				return err
			}
			_, err := tx.FinalStates().Update(ctx, book.ID, func(fs *domain.FinalState) error {
				fs.Status = domain.FinalStatusInProgress
				fs.ErrorMessage = ""
				if rating != nil {
					fs.Rating = rating
				}
				return nil
			})
			return err
		},
	})
	if err != nil {
		return err
	}

	start := time.Now()
	artifacts, compileErr := m.compiler.Compile(ctx, buildManuscript(book, chapters))
	if compileErr != nil {
		err := m.commit(ctx, transition{
			bookID:  book.ID,
			from:    pos,
			to:      pos,
			stage:   domain.StageCompilation,
			action:  actionCompileFailed,
			details: map[string]any{"error": compileErr.Error()},
			event: &outbox.EmitParams{
				EventType: domain.EventTypeBookCompileFailed,
				Payload:   domain.BookCompileFailedPayload{BookID: book.ID, Error: compileErr.Error()},
			},
			apply: func(ctx context.Context, tx repository.Store) error {
				_, err := tx.FinalStates().Update(ctx, book.ID, func(fs *domain.FinalState) error {
					fs.Status = domain.FinalStatusFailed
					fs.ErrorMessage = compileErr.Error()
					return nil
				})
				return err
			},
		})
		if err != nil {
			return errors.Join(compileErr, fmt.Errorf("record compile failure: %w", err))
		}
		return compileErr
	}

	return m.commit(ctx, transition{
		bookID:  book.ID,
		from:    pos,
		to:      domain.Position{State: domain.BookStateCompleted},
		stage:   domain.StageCompilation,
		action:  actionCompiled,
		details: map[string]any{"artifacts": len(artifacts)},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeBookCompiled,
			Payload: domain.BookCompiledPayload{
				BookID:    book.ID,
				Artifacts: artifacts,
				Duration:  time.Since(start),
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			_, err := tx.FinalStates().Update(ctx, book.ID, func(fs *domain.FinalState) error {
				fs.Status = domain.FinalStatusCompleted
				fs.Artifacts = artifacts
				fs.ErrorMessage = ""
				return nil
			})
			return err
		},
	})
}

// Status returns the progress of a book.
func (m *StateMachine) Status(ctx context.Context, bookID uuid.UUID) (*domain.BookProgress, error) {
	book, err := m.store.Books().Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	outline, err := m.store.Outlines().GetByBook(ctx, bookID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load outline: %w", err)
	}
	chapters, err := m.store.Chapters().ListByBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load chapters: %w", err)
	}
	final, err := m.store.FinalStates().GetByBook(ctx, bookID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load final state: %w", err)
	}

	progress := &domain.BookProgress{
		Book:       book,
		Outline:    outline,
		Chapters:   chapters,
		FinalState: final,
	}
	for _, ch := range chapters {
		if ch.Status == domain.ChapterStatusApproved {
			progress.ApprovedChapters++
		}
	}
	return progress, nil
}

// GetChapter returns chapter n of a book.
func (m *StateMachine) GetChapter(ctx context.Context, bookID uuid.UUID, n int) (*domain.Chapter, error) {
	if _, err := m.store.Books().Get(ctx, bookID); err != nil {
		return nil, err
	}
	return m.store.Chapters().Get(ctx, bookID, n)
}

// ListBooks returns books matching filter and the total match count.
func (m *StateMachine) ListBooks(ctx context.Context, filter repository.BookFilter) ([]*domain.Book, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	return m.store.Books().List(ctx, filter)
}

// Logs returns the newest generation log entries of a book.
func (m *StateMachine) Logs(ctx context.Context, bookID uuid.UUID, limit int) ([]*domain.GenerationLog, error) {
	if _, err := m.store.Books().Get(ctx, bookID); err != nil {
		return nil, err
	}
	return m.store.Logs().ListByBook(ctx, bookID, limit)
}

// regenerateOutline moves the book to outline_generating and runs the
// outline stage.
func (m *StateMachine) regenerateOutline(ctx context.Context, book *domain.Book, outline *domain.Outline, feedback string) error {
	generating := domain.Position{State: domain.BookStateOutlineGenerating}
	prior := outline.Content
	// A retry after a rejected revision reuses the stored feedback.
	if feedback == "" && prior != "" {
		feedback = outline.NotesAfter
	}

	err := m.commit(ctx, transition{
		bookID:  book.ID,
		from:    book.Position(),
		to:      generating,
		stage:   domain.StageOutline,
		action:  actionGenerationStarted,
		details: map[string]any{"revision": prior != "", "feedback": feedback},
		apply: func(ctx context.Context, tx repository.Store) error {
			_, err := tx.Outlines().Update(ctx, book.ID, func(o *domain.Outline) error {
				o.Status = domain.OutlineStatusGenerating
				if feedback != "" {
					o.NotesAfter = feedback
				}
				return nil
			})
			return err
		},
	})
	if err != nil {
		return err
	}
	book.State, book.CurrentChapter = generating.State, generating.Chapter

	result, genErr := m.outlines.Generate(ctx, OutlineRequest{
		BookID:       book.ID,
		Title:        book.Title,
		Requirements: book.Requirements,
		ChapterCount: book.TargetChapterCount,
		PriorOutline: prior,
		Feedback:     feedback,
	})
	if genErr != nil {
		return m.generationFailed(ctx, book, domain.StageOutline, 0, prior != "", genErr)
	}

	return m.commit(ctx, transition{
		bookID: book.ID,
		from:   generating,
		to:     domain.Position{State: domain.BookStateOutlineReview},
		stage:  domain.StageOutline,
		action: actionGenerated,
		details: map[string]any{
			"chapters": len(result.Titles),
			"model":    result.Model,
			"attempts": result.Attempts,
			"revision": prior != "",
		},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeOutlineGenerated,
			Payload: domain.OutlineGeneratedPayload{
				BookID:       book.ID,
				ChapterCount: len(result.Titles),
				Revision:     prior != "",
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			_, err := tx.Outlines().Update(ctx, book.ID, func(o *domain.Outline) error {
				o.Content = result.Content
				o.ChapterTitles = result.Titles
				o.Status = domain.OutlineStatusPendingApproval
				return nil
			})
			return err
		},
	})
}

// regenerateChapter moves the book to chapter_generating(n) and runs the
// chapter stage with the chapter's current content as the prior draft.
func (m *StateMachine) regenerateChapter(ctx context.Context, book *domain.Book, chapter *domain.Chapter, feedback string) error {
	generating := domain.Position{State: domain.BookStateChapterGenerating, Chapter: chapter.Number}

	err := m.commit(ctx, transition{
		bookID: book.ID,
		from:   book.Position(),
		to:     generating,
		stage:  domain.StageChapter,
		action: actionGenerationStarted,
		details: map[string]any{
			"chapter":  chapter.Number,
			"revision": chapter.Content != "",
			"feedback": feedback,
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			updated, err := tx.Chapters().Update(ctx, book.ID, chapter.Number, func(ch *domain.Chapter) error {
				ch.Status = domain.ChapterStatusGenerating
				if feedback != "" {
					ch.Notes = feedback
				}
				return nil
			})
			if err == nil {
				chapter = updated
			}
			return err
		},
	})
	if err != nil {
		return err
	}

	book.State, book.CurrentChapter = generating.State, generating.Chapter
	return m.generateChapter(ctx, book, chapter)
}

// generateChapter runs the chapter stage for a chapter already in
// generating and moves the book to chapter_review on success.
func (m *StateMachine) generateChapter(ctx context.Context, book *domain.Book, chapter *domain.Chapter) error {
	chain, err := m.contexts.BuildContext(ctx, book.ID, chapter.Number)
	if err != nil {
		return err
	}

	revision := chapter.Content != ""
	result, genErr := m.chapters.Generate(ctx, ChapterRequest{
		BookID:       book.ID,
		BookTitle:    book.Title,
		Number:       chapter.Number,
		Title:        chapter.Title,
		Context:      chain,
		Notes:        chapter.Notes,
		PriorContent: chapter.Content,
	})
	if genErr != nil {
		return m.generationFailed(ctx, book, domain.StageChapter, chapter.Number, revision, genErr)
	}

	return m.commit(ctx, transition{
		bookID: book.ID,
		from:   book.Position(),
		to:     domain.Position{State: domain.BookStateChapterReview, Chapter: chapter.Number},
		stage:  domain.StageChapter,
		action: actionGenerated,
		details: map[string]any{
			"chapter":  chapter.Number,
			"words":    result.Words,
			"model":    result.Model,
			"attempts": result.Attempts,
			"revision": revision,
		},
		event: &outbox.EmitParams{
			EventType: domain.EventTypeChapterGenerated,
			Payload: domain.ChapterGeneratedPayload{
				BookID:        book.ID,
				ChapterNumber: chapter.Number,
				Title:         chapter.Title,
				Words:         result.Words,
				Revision:      revision,
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			_, err := tx.Chapters().Update(ctx, book.ID, chapter.Number, func(ch *domain.Chapter) error {
				ch.Status = domain.ChapterStatusPendingApproval
				return nil
			})
			return err
		},
	})
}

// generationFailed resolves a failed outline (chapter 0) or chapter
// generation. A contract violation only leaves an audit entry: the entity
// stays in generating until the caller retries. Any other failure moves the
// entity back to review when it still holds earlier content, and the book
// to failed when there is nothing to fall back to. genErr is always returned.
func (m *StateMachine) generationFailed(ctx context.Context, book *domain.Book, stage string, chapter int, hasPrior bool, genErr error) error {
	logger := observability.LoggerFromContext(ctx, m.logger)
	pos := book.Position()
	details := map[string]any{"error": genErr.Error()}
	if chapter > 0 {
		details["chapter"] = chapter
	}

	var violation *domain.GenerationContractViolationError
	if errors.As(genErr, &violation) {
		details["expected"] = violation.Expected
		details["got"] = violation.Got
		logger.Warn().Err(genErr).Str("stage", stage).Msg("generation output rejected, awaiting retry")
		if err := m.commit(ctx, transition{
			bookID:  book.ID,
			from:    pos,
			to:      pos,
			stage:   stage,
			action:  actionContractViolation,
			details: details,
		}); err != nil {
			return errors.Join(genErr, fmt.Errorf("record contract violation: %w", err))
		}
		return genErr
	}

	to := domain.Position{State: domain.BookStateFailed, Chapter: chapter}
	if hasPrior {
		to = domain.Position{State: domain.BookStateOutlineReview}
		if chapter > 0 {
			to = domain.Position{State: domain.BookStateChapterReview, Chapter: chapter}
		}
	}
	details["next_state"] = to.String()
	logger.Error().Err(genErr).Str("stage", stage).Str("next", to.String()).Msg("generation failed")

	err := m.commit(ctx, transition{
		bookID:  book.ID,
		from:    pos,
		to:      to,
		stage:   stage,
		action:  actionGenerationFailed,
		details: details,
		event: &outbox.EmitParams{
			EventType: domain.EventTypeGenerationFailed,
			Payload: domain.GenerationFailedPayload{
				BookID:        book.ID,
				Stage:         stage,
				ChapterNumber: chapter,
				Error:         genErr.Error(),
			},
		},
		apply: func(ctx context.Context, tx repository.Store) error {
			if chapter == 0 {
				_, err := tx.Outlines().Update(ctx, book.ID, func(o *domain.Outline) error {
					o.Status = domain.OutlineStatusPending
					if hasPrior {
						o.Status = domain.OutlineStatusNeedsRevision
					}
					return nil
				})
				return err
			}
			_, err := tx.Chapters().Update(ctx, book.ID, chapter, func(ch *domain.Chapter) error {
				ch.Status = domain.ChapterStatusPending
				if hasPrior {
					ch.Status = domain.ChapterStatusNeedsRevision
				}
				return nil
			})
			return err
		},
	})
	if err != nil {
		return errors.Join(genErr, fmt.Errorf("record generation failure: %w", err))
	}
	return genErr
}

// transition is one committed step of the workflow.
type transition struct {
	bookID  uuid.UUID
	from    domain.Position
	to      domain.Position
	stage   string
	action  string
	details map[string]any
	event   *outbox.EmitParams
	apply   func(ctx context.Context, tx repository.Store) error
}

// commit moves the book from t.from to t.to and applies the entity updates,
// audit entry and event of t in one transaction.
func (m *StateMachine) commit(ctx context.Context, t transition) error {
	return m.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.Books().CompareAndSetState(ctx, t.bookID, t.from, t.to); err != nil {
			return err
		}
		if t.apply != nil {
			if err := t.apply(ctx, tx); err != nil {
				return err
			}
		}
		details := t.details
		if t.from != t.to {
			details = withPositions(details, t.from, t.to)
		}
		return m.record(ctx, tx, t.bookID, t.stage, t.action, details, t.event)
	})
}

// record appends a generation log entry and, when event is set, an outbox
// event for bookID.
func (m *StateMachine) record(ctx context.Context, tx repository.Store, bookID uuid.UUID, stage, action string, details map[string]any, event *outbox.EmitParams) error {
	if err := tx.Logs().Append(ctx, &domain.GenerationLog{
		BookID:  bookID,
		Stage:   stage,
		Action:  action,
		Details: details,
	}); err != nil {
		return fmt.Errorf("append generation log: %w", err)
	}
	if event == nil {
		return nil
	}
	params := *event
	params.BookID = bookID
	return m.publisher.Publish(ctx, tx.Outbox(), params)
}

// observe wraps an operation in a span, a transition metric and a log line.
func (m *StateMachine) observe(ctx context.Context, action string, bookID uuid.UUID, fn func(ctx context.Context) error) (err error) {
	ctx = observability.WithBookID(ctx, bookID.String())
	ctx, span := observability.StartSpan(ctx, "workflow."+action, attribute.String("book.id", bookID.String()))
	start := time.Now()
	defer func() {
		observability.EndSpan(span, err)
		result := transitionResult(err)
		m.metrics.RecordTransition(action, result)

		logger := observability.LoggerFromContext(ctx, m.logger)
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("action", action).Str("result", result).Dur("duration", time.Since(start)).Msg("workflow operation")
	}()
	return fn(ctx)
}

// withLock runs fn while holding the lock of bookID.
func (m *StateMachine) withLock(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context) error) error {
	unlock, err := m.locker.TryLock(ctx, bookID)
	if err != nil {
		if errors.Is(err, domain.ErrLocked) {
			m.metrics.RecordLockContention()
		}
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger := observability.LoggerFromContext(ctx, m.logger)
			logger.Warn().Err(err).Msg("failed to release book lock")
		}
	}()
	return fn(ctx)
}

func (m *StateMachine) loadOutline(ctx context.Context, bookID uuid.UUID) (*domain.Book, *domain.Outline, error) {
	book, err := m.store.Books().Get(ctx, bookID)
	if err != nil {
		return nil, nil, err
	}
	outline, err := m.store.Outlines().GetByBook(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load outline: %w", err)
	}
	return book, outline, nil
}

// lowestUnapproved returns the lowest chapter number that is missing or not
// approved, or TargetChapterCount+1 when every chapter is approved.
func lowestUnapproved(book *domain.Book, chapters []*domain.Chapter) int {
	for n := 1; n <= book.TargetChapterCount; n++ {
		ch := findChapter(chapters, n)
		if ch == nil || ch.Status != domain.ChapterStatusApproved {
			return n
		}
	}
	return book.TargetChapterCount + 1
}

func findChapter(chapters []*domain.Chapter, n int) *domain.Chapter {
	for _, ch := range chapters {
		if ch.Number == n {
			return ch
		}
	}
	return nil
}

func withPositions(details map[string]any, from, to domain.Position) map[string]any {
	out := make(map[string]any, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	out["from"] = from.String()
	out["to"] = to.String()
	return out
}

func invalidTransition(entity string, pos domain.Position, action, reason string) error {
	return domain.NewInvalidTransitionError(entity, pos.String(), action, reason)
}

// transitionResult labels an operation outcome for metrics.
func transitionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidInput):
		return "validation"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, domain.ErrLocked):
		return "locked"
	case errors.Is(err, domain.ErrContractViolation):
		return "contract_violation"
	case errors.Is(err, domain.ErrMissingDependency):
		return "missing_dependency"
	default:
		return "failed"
	}
}
