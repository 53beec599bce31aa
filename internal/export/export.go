// Package export renders compiled manuscripts to files.
//
// A FileExporter writes one file per configured format under
// <output_dir>/<book-id>/ and reports each file as a domain.Artifact with
// its size and SHA-256 digest. Formats render concurrently.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// Supported formats.
const (
	FormatMarkdown = "markdown"
	FormatText     = "txt"
	FormatJSON     = "json"
)

// DefaultFormats is used when no format is configured.
var DefaultFormats = []string{FormatMarkdown, FormatText, FormatJSON}

// Config configures a FileExporter.
type Config struct {
	OutputDir string
	Formats   []string
}

// renderer turns a manuscript into the bytes of one file.
type renderer interface {
	format() string
	fileName() string
	render(m *domain.Manuscript, generatedAt time.Time) ([]byte, error)
}

// FileExporter writes manuscripts to the local filesystem.
type FileExporter struct {
	dir       string
	renderers []renderer
	now       func() time.Time
	logger    zerolog.Logger
}

// NewFileExporter validates cfg and creates an exporter.
func NewFileExporter(cfg Config, logger zerolog.Logger) (*FileExporter, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("export: output directory is required")
	}
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}

	seen := make(map[string]bool, len(formats))
	renderers := make([]renderer, 0, len(formats))
	for _, f := range formats {
		r, err := rendererFor(f)
		if err != nil {
			return nil, err
		}
		if seen[r.format()] {
			continue
		}
		seen[r.format()] = true
		renderers = append(renderers, r)
	}

	return &FileExporter{
		dir:       cfg.OutputDir,
		renderers: renderers,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "exporter").Logger(),
	}, nil
}

// rendererFor resolves a configured format name, including aliases.
func rendererFor(name string) (renderer, error) {
	switch f := strings.ToLower(strings.TrimSpace(name)); f {
	case FormatMarkdown, "md":
		return markdownRenderer{}, nil
	case FormatText, "text":
		return textRenderer{width: defaultTextWidth}, nil
	case FormatJSON:
		return jsonRenderer{}, nil
	default:
		return nil, fmt.Errorf("export: unsupported format %q", f)
	}
}

// Formats returns the formats the exporter writes, in output order.
func (e *FileExporter) Formats() []string {
	out := make([]string, len(e.renderers))
	for i, r := range e.renderers {
		out[i] = r.format()
	}
	return out
}

// Export renders every format and returns the written artifacts in format
// order. A failure of any format fails the export.
func (e *FileExporter) Export(ctx context.Context, m *domain.Manuscript) ([]domain.Artifact, error) {
	if m == nil || len(m.Chapters) == 0 {
		return nil, fmt.Errorf("export: %w", domain.NewValidationError("manuscript", "has no chapters"))
	}

	dir := filepath.Join(e.dir, m.BookID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output directory: %w", err)
	}

	generatedAt := e.now()
	artifacts := make([]domain.Artifact, len(e.renderers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range e.renderers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := r.render(m, generatedAt)
			if err != nil {
				return fmt.Errorf("render %s: %w", r.format(), err)
			}
			path := filepath.Join(dir, r.fileName())
			if err := writeFileAtomic(path, data); err != nil {
				return fmt.Errorf("write %s: %w", r.format(), err)
			}
			sum := sha256.Sum256(data)
			artifacts[i] = domain.Artifact{
				Format: r.format(),
				Path:   path,
				Bytes:  int64(len(data)),
				SHA256: hex.EncodeToString(sum[:]),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	logger := observability.LoggerFromContext(observability.WithBookID(ctx, m.BookID.String()), e.logger)
	logger.Info().
		Int("chapters", len(m.Chapters)).
		Strs("formats", e.Formats()).
		Msg("manuscript exported")
	return artifacts, nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var leadingChapterHeading = regexp.MustCompile(`(?i)^#{1,6}\s*chapter\s+\d+\b[^\n]*\n*`)

// chapterBody drops a leading "# Chapter N" heading the model wrote itself,
// so renderers can emit their own heading without duplicating it.
func chapterBody(content string) string {
	content = strings.TrimSpace(content)
	return strings.TrimSpace(leadingChapterHeading.ReplaceAllString(content, ""))
}
