package httpserver

import (
	"time"

	"github.com/inkwell/book-generation-service/internal/domain"
)

type bookResponse struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Requirements       string    `json:"requirements,omitempty"`
	TargetChapterCount int       `json:"target_chapter_count"`
	State              string    `json:"state"`
	CurrentChapter     int       `json:"current_chapter,omitempty"`
	Position           string    `json:"position"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type outlineResponse struct {
	Content       string   `json:"content,omitempty"`
	ChapterTitles []string `json:"chapter_titles,omitempty"`
	NotesBefore   string   `json:"notes_before,omitempty"`
	NotesAfter    string   `json:"notes_after,omitempty"`
	Status        string   `json:"status"`
	Rating        *int     `json:"rating,omitempty"`
}

type chapterResponse struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Rating    *int      `json:"rating,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Content   string    `json:"content,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type finalStateResponse struct {
	Status       string            `json:"status"`
	Rating       *int              `json:"rating,omitempty"`
	Artifacts    []domain.Artifact `json:"artifacts,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

type progressResponse struct {
	Approved int `json:"approved_chapters"`
	Target   int `json:"target_chapters"`
}

type bookProgressResponse struct {
	Book       bookResponse        `json:"book"`
	Outline    *outlineResponse    `json:"outline,omitempty"`
	Chapters   []chapterResponse   `json:"chapters"`
	FinalState *finalStateResponse `json:"final_state,omitempty"`
	Progress   progressResponse    `json:"progress"`
}

type listBooksResponse struct {
	Books      []bookResponse `json:"books"`
	TotalCount int64          `json:"total_count"`
}

type logResponse struct {
	Stage     string         `json:"stage"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type listLogsResponse struct {
	Logs []logResponse `json:"logs"`
}

func bookToResponse(b *domain.Book) bookResponse {
	return bookResponse{
		ID:                 b.ID.String(),
		Title:              b.Title,
		Requirements:       b.Requirements,
		TargetChapterCount: b.TargetChapterCount,
		State:              string(b.State),
		CurrentChapter:     b.CurrentChapter,
		Position:           b.Position().String(),
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

// chapterToResponse omits content in listings; summaries are short enough to keep.
func chapterToResponse(c *domain.Chapter, withContent bool) chapterResponse {
	resp := chapterResponse{
		Number:    c.Number,
		Title:     c.Title,
		Status:    string(c.Status),
		Rating:    c.Rating,
		Notes:     c.Notes,
		Summary:   c.Summary,
		UpdatedAt: c.UpdatedAt,
	}
	if withContent {
		resp.Content = c.Content
	}
	return resp
}

func progressToResponse(p *domain.BookProgress) bookProgressResponse {
	resp := bookProgressResponse{
		Book:     bookToResponse(p.Book),
		Chapters: make([]chapterResponse, 0, len(p.Chapters)),
		Progress: progressResponse{Approved: p.ApprovedChapters, Target: p.Book.TargetChapterCount},
	}
	if o := p.Outline; o != nil {
		resp.Outline = &outlineResponse{
			Content:       o.Content,
			ChapterTitles: o.ChapterTitles,
			NotesBefore:   o.NotesBefore,
			NotesAfter:    o.NotesAfter,
			Status:        string(o.Status),
			Rating:        o.Rating,
		}
	}
	for _, c := range p.Chapters {
		resp.Chapters = append(resp.Chapters, chapterToResponse(c, false))
	}
	if f := p.FinalState; f != nil {
		resp.FinalState = &finalStateResponse{
			Status:       string(f.Status),
			Rating:       f.Rating,
			Artifacts:    f.Artifacts,
			ErrorMessage: f.ErrorMessage,
		}
	}
	return resp
}

func logToResponse(l *domain.GenerationLog) logResponse {
	return logResponse{
		Stage:     l.Stage,
		Action:    l.Action,
		Details:   l.Details,
		CreatedAt: l.CreatedAt,
	}
}
