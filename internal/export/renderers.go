package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/inkwell/book-generation-service/internal/domain"
)

const defaultTextWidth = 80

// frontMatter is the YAML header of the markdown export.
type frontMatter struct {
	Title       string    `yaml:"title"`
	BookID      string    `yaml:"book_id"`
	Chapters    int       `yaml:"chapters"`
	Words       int       `yaml:"words"`
	GeneratedAt time.Time `yaml:"generated_at"`
}

type markdownRenderer struct{}

func (markdownRenderer) format() string   { return FormatMarkdown }
func (markdownRenderer) fileName() string { return "book.md" }

func (markdownRenderer) render(m *domain.Manuscript, generatedAt time.Time) ([]byte, error) {
	fm, err := yaml.Marshal(frontMatter{
		Title:       m.Title,
		BookID:      m.BookID.String(),
		Chapters:    len(m.Chapters),
		Words:       manuscriptWords(m),
		GeneratedAt: generatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n", m.Title)

	for _, ch := range m.Chapters {
		fmt.Fprintf(&buf, "\n## Chapter %d: %s\n\n", ch.Number, ch.Title)
		buf.WriteString(chapterBody(ch.Content))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

type textRenderer struct {
	width int
}

func (textRenderer) format() string   { return FormatText }
func (textRenderer) fileName() string { return "book.txt" }

func (r textRenderer) render(m *domain.Manuscript, _ time.Time) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(center(strings.ToUpper(m.Title), r.width))
	buf.WriteString("\n")
	buf.WriteString(strings.Repeat("=", r.width))
	buf.WriteString("\n")

	for _, ch := range m.Chapters {
		fmt.Fprintf(&buf, "\n\nCHAPTER %d: %s\n", ch.Number, ch.Title)
		buf.WriteString(strings.Repeat("-", r.width))
		buf.WriteString("\n\n")
		buf.WriteString(chapterBody(ch.Content))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// center pads s with leading spaces to center it in width columns.
func center(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return strings.Repeat(" ", (width-n)/2) + s
}

type jsonManifest struct {
	BookID      uuid.UUID     `json:"book_id"`
	Title       string        `json:"title"`
	GeneratedAt time.Time     `json:"generated_at"`
	Words       int           `json:"words"`
	Chapters    []jsonChapter `json:"chapters"`
}

type jsonChapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Words   int    `json:"words"`
	Content string `json:"content"`
}

type jsonRenderer struct{}

func (jsonRenderer) format() string   { return FormatJSON }
func (jsonRenderer) fileName() string { return "book.json" }

func (jsonRenderer) render(m *domain.Manuscript, generatedAt time.Time) ([]byte, error) {
	manifest := jsonManifest{
		BookID:      m.BookID,
		Title:       m.Title,
		GeneratedAt: generatedAt,
		Words:       manuscriptWords(m),
		Chapters:    make([]jsonChapter, 0, len(m.Chapters)),
	}
	for _, ch := range m.Chapters {
		body := chapterBody(ch.Content)
		manifest.Chapters = append(manifest.Chapters, jsonChapter{
			Number:  ch.Number,
			Title:   ch.Title,
			Words:   len(strings.Fields(body)),
			Content: body,
		})
	}
	return json.MarshalIndent(manifest, "", "  ")
}

func manuscriptWords(m *domain.Manuscript) int {
	var n int
	for _, ch := range m.Chapters {
		n += len(strings.Fields(chapterBody(ch.Content)))
	}
	return n
}
