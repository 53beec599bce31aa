// Package domain provides domain models and business rules for the book generation service.
package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BookState is the workflow position of a book.
// These values must match the database enum book_state.
type BookState string

const (
	BookStateCreated           BookState = "created"
	BookStateOutlineGenerating BookState = "outline_generating"
	BookStateOutlineReview     BookState = "outline_review"
	BookStateChapterGenerating BookState = "chapter_generating"
	BookStateChapterReview     BookState = "chapter_review"
	BookStateCompiling         BookState = "compiling"
	BookStateCompleted         BookState = "completed"
	BookStateFailed            BookState = "failed"
)

// IsTerminal returns true if no further transition can leave the state.
func (s BookState) IsTerminal() bool {
	return s == BookStateCompleted
}

// IsGenerating returns true for states in which a generation call is in flight
// or was interrupted.
func (s BookState) IsGenerating() bool {
	return s == BookStateOutlineGenerating || s == BookStateChapterGenerating
}

// IsChapterScoped returns true for states that carry a current chapter number.
func (s BookState) IsChapterScoped() bool {
	return s == BookStateChapterGenerating || s == BookStateChapterReview
}

// Valid reports whether s is a known book state.
func (s BookState) Valid() bool {
	switch s {
	case BookStateCreated, BookStateOutlineGenerating, BookStateOutlineReview,
		BookStateChapterGenerating, BookStateChapterReview, BookStateCompiling,
		BookStateCompleted, BookStateFailed:
		return true
	default:
		return false
	}
}

// OutlineStatus is the approval status of an outline.
// These values must match the database enum outline_status.
type OutlineStatus string

const (
	OutlineStatusPending         OutlineStatus = "pending"
	OutlineStatusGenerating      OutlineStatus = "generating"
	OutlineStatusPendingApproval OutlineStatus = "pending_approval"
	OutlineStatusApproved        OutlineStatus = "approved"
	OutlineStatusNeedsRevision   OutlineStatus = "needs_revision"
)

// Decidable returns true if an approve/reject decision may be recorded.
func (s OutlineStatus) Decidable() bool {
	return s == OutlineStatusPendingApproval || s == OutlineStatusNeedsRevision
}

// ChapterStatus is the approval status of a chapter.
// These values must match the database enum chapter_status.
type ChapterStatus string

const (
	ChapterStatusPending         ChapterStatus = "pending"
	ChapterStatusGenerating      ChapterStatus = "generating"
	ChapterStatusPendingApproval ChapterStatus = "pending_approval"
	ChapterStatusApproved        ChapterStatus = "approved"
	ChapterStatusNeedsRevision   ChapterStatus = "needs_revision"
)

// Decidable returns true if an approve/reject decision may be recorded.
func (s ChapterStatus) Decidable() bool {
	return s == ChapterStatusPendingApproval || s == ChapterStatusNeedsRevision
}

// FinalStatus is the compilation status of a book.
// These values must match the database enum final_status.
type FinalStatus string

const (
	FinalStatusPending    FinalStatus = "pending"
	FinalStatusInProgress FinalStatus = "in_progress"
	FinalStatusCompleted  FinalStatus = "completed"
	FinalStatusFailed     FinalStatus = "failed"
)

// Rating bounds.
const (
	MinRating = 0
	MaxRating = 10
)

// Chapter count bounds accepted at book creation.
const (
	MinChapterCount = 1
	MaxChapterCount = 100
)

// ValidateRating returns a ValidationError when r is present and outside [0,10].
func ValidateRating(r *int) error {
	if r == nil {
		return nil
	}
	if *r < MinRating || *r > MaxRating {
		return NewValidationError("rating", "must be between 0 and 10")
	}
	return nil
}

// Book is the root aggregate. Title, requirements and chapter count are fixed
// at creation; State and CurrentChapter are owned by the workflow state machine.
type Book struct {
	ID                 uuid.UUID
	Title              string
	Requirements       string
	TargetChapterCount int
	State              BookState
	// CurrentChapter is the chapter the book is generating or reviewing.
	// Zero outside chapter-scoped states.
	CurrentChapter int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is a book state plus the chapter it applies to.
type Position struct {
	State   BookState
	Chapter int
}

// String renders the position as state or state(chapter), for example
// chapter_review(2).
func (p Position) String() string {
	if p.State.IsChapterScoped() {
		return string(p.State) + "(" + strconv.Itoa(p.Chapter) + ")"
	}
	return string(p.State)
}

// Position returns the current workflow position.
func (b *Book) Position() Position {
	return Position{State: b.State, Chapter: b.CurrentChapter}
}

// Outline is the single current outline of a book. Regeneration overwrites
// Content in place.
type Outline struct {
	ID          uuid.UUID
	BookID      uuid.UUID
	Content     string
	NotesBefore string
	NotesAfter  string
	// ChapterTitles holds the parsed titles, index 0 is chapter 1.
	ChapterTitles []string
	Status        OutlineStatus
	Rating        *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChapterTitle returns the outline title for chapter n, or a generic title
// when the outline does not name it.
func (o *Outline) ChapterTitle(n int) string {
	if n >= 1 && n <= len(o.ChapterTitles) {
		return o.ChapterTitles[n-1]
	}
	return "Chapter " + strconv.Itoa(n)
}

// Chapter is one chapter of a book, keyed by (BookID, Number).
type Chapter struct {
	ID      uuid.UUID
	BookID  uuid.UUID
	Number  int
	Title   string
	Content string
	// Summary is the model-produced synopsis fed to later chapters.
	Summary   string
	Notes     string
	Status    ChapterStatus
	Rating    *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Artifact is one exported file of a compiled book.
type Artifact struct {
	Format string `json:"format"`
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// FinalState records compilation of a book. At most one exists per book and
// it is created when compilation first begins.
type FinalState struct {
	ID           uuid.UUID
	BookID       uuid.UUID
	Status       FinalStatus
	Rating       *int
	Artifacts    []Artifact
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GenerationLog is an audit record of a workflow action.
type GenerationLog struct {
	ID        uuid.UUID
	BookID    uuid.UUID
	Stage     string
	Action    string
	Details   map[string]any
	CreatedAt time.Time
}

// Stage names used in generation logs and metrics.
const (
	StageOutline     = "outline"
	StageChapter     = "chapter"
	StageSummary     = "summary"
	StageCompilation = "compilation"
	StageBook        = "book"
)

// BookProgress summarises how far a book has advanced.
type BookProgress struct {
	Book             *Book
	Outline          *Outline
	Chapters         []*Chapter
	FinalState       *FinalState
	ApprovedChapters int
}

// ChapterSummary is one entry of the context chain passed to chapter generation.
type ChapterSummary struct {
	Number  int
	Title   string
	Summary string
}

// Manuscript is the ordered, approved content handed to the exporter.
type Manuscript struct {
	BookID   uuid.UUID
	Title    string
	Chapters []ManuscriptChapter
}

// ManuscriptChapter is one approved chapter of a manuscript.
type ManuscriptChapter struct {
	Number  int
	Title   string
	Content string
}
