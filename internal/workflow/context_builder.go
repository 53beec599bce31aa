package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/repository"
)

// ChainContext is the narrative context handed to chapter generation: the
// approved outline plus the summaries of every earlier chapter, in order.
type ChainContext struct {
	Outline  string
	Previous []domain.ChapterSummary
}

// contentReader is the part of repository.Store the builder reads.
type contentReader interface {
	Outlines() repository.OutlineRepository
	Chapters() repository.ChapterRepository
}

// ContextBuilder assembles ChainContext values from persisted state only.
type ContextBuilder struct {
	store contentReader
}

// NewContextBuilder creates a builder reading from store.
func NewContextBuilder(store contentReader) *ContextBuilder {
	return &ContextBuilder{store: store}
}

// BuildContext returns the context for generating chapter upTo: the outline
// and the summaries of chapters 1..upTo-1. It fails with a
// *domain.MissingDependencyError when the outline is not approved or an
// earlier chapter has no summary.
func (b *ContextBuilder) BuildContext(ctx context.Context, bookID uuid.UUID, upTo int) (*ChainContext, error) {
	if upTo < 1 {
		return nil, domain.NewValidationError("chapter_number", "must be at least 1")
	}

	outline, err := b.store.Outlines().GetByBook(ctx, bookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewMissingDependencyError("outline", "book has no outline")
		}
		return nil, fmt.Errorf("load outline: %w", err)
	}
	if outline.Status != domain.OutlineStatusApproved {
		return nil, domain.NewMissingDependencyError("outline", "outline is "+string(outline.Status)+", not approved")
	}

	chapters, err := b.store.Chapters().ListByBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load chapters: %w", err)
	}
	byNumber := make(map[int]*domain.Chapter, len(chapters))
	for _, ch := range chapters {
		byNumber[ch.Number] = ch
	}

	chain := &ChainContext{
		Outline:  outline.Content,
		Previous: make([]domain.ChapterSummary, 0, upTo-1),
	}
	for n := 1; n < upTo; n++ {
		ch, ok := byNumber[n]
		if !ok || ch.Summary == "" {
			return nil, domain.NewMissingDependencyError("chapter "+strconv.Itoa(n)+" summary", "earlier chapter has not been summarised")
		}
		chain.Previous = append(chain.Previous, domain.ChapterSummary{
			Number:  n,
			Title:   ch.Title,
			Summary: ch.Summary,
		})
	}

	return chain, nil
}
