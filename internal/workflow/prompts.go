package workflow

import (
	"fmt"
	"strings"
)

const outlineSystemPrompt = "You are a professional book outline creator. You plan books chapter by chapter " +
	"and follow formatting instructions exactly."

const chapterSystemPrompt = "You are a professional book author. You write complete, well-structured chapters " +
	"that stay consistent with the book outline and with everything written before."

const summarySystemPrompt = "You write concise chapter summaries that another author will rely on to keep later chapters consistent."

// outlinePromptInput describes one outline generation.
type outlinePromptInput struct {
	Title        string
	Requirements string
	ChapterCount int
	// PriorOutline and Feedback are set for revisions.
	PriorOutline string
	Feedback     string
}

func (in outlinePromptInput) revision() bool {
	return strings.TrimSpace(in.PriorOutline) != ""
}

// buildOutlinePrompt returns the user prompt for an initial outline or a revision.
func buildOutlinePrompt(in outlinePromptInput) string {
	var sb strings.Builder

	if in.revision() {
		sb.WriteString("You previously created an outline for a book, and now you need to improve it based on editor feedback.\n\n")
		fmt.Fprintf(&sb, "Title: %s\n\n", in.Title)
		sb.WriteString("Original Outline:\n")
		sb.WriteString(in.PriorOutline)
		sb.WriteString("\n\nEditor's Feedback:\n")
		sb.WriteString(in.Feedback)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Create a detailed outline for a book with the following specifications:\n\n")
		fmt.Fprintf(&sb, "Title: %s\n\n", in.Title)
		sb.WriteString("Editor's Requirements and Notes:\n")
		sb.WriteString(in.Requirements)
		sb.WriteString("\n\n")
		if in.Feedback != "" {
			sb.WriteString("Additional Editor Notes:\n")
			sb.WriteString(in.Feedback)
			sb.WriteString("\n\n")
		}
	}

	n := in.ChapterCount
	fmt.Fprintf(&sb, "CRITICAL REQUIREMENT: You MUST generate EXACTLY %d chapters. Count carefully!\n\n", n)
	sb.WriteString("Use this EXACT format:\n\n")
	sb.WriteString("## BOOK OVERVIEW\n[Write 2-3 paragraphs overview here]\n\n")
	sb.WriteString("## CHAPTERS\n\n")
	sb.WriteString("Chapter 1: [Chapter Title Here]\nDescription: [2-3 sentence description]\nKey Points: [bullet points]\n\n")
	fmt.Fprintf(&sb, "[Continue for all %d chapters - DO NOT generate more or fewer]\n\n", n)

	sb.WriteString("STRICT RULES YOU MUST FOLLOW:\n")
	fmt.Fprintf(&sb, "1. Generate EXACTLY %d chapters - no more, no fewer\n", n)
	sb.WriteString("2. Each chapter heading line MUST start with \"Chapter [number]: [actual title]\"\n")
	sb.WriteString("3. Replace \"[Chapter Title Here]\" with an actual descriptive title\n")
	sb.WriteString("4. Do NOT use the word \"Chapter\" at the start of description or key point lines\n")
	fmt.Fprintf(&sb, "5. Number chapters sequentially from 1 to %d\n", n)
	sb.WriteString("6. Each chapter must have a unique, descriptive title\n")
	if in.revision() {
		fmt.Fprintf(&sb, "7. Address all the editor's feedback while keeping exactly %d chapters\n", n)
	}

	return sb.String()
}

// chapterPromptInput describes one chapter generation.
type chapterPromptInput struct {
	BookTitle string
	Number    int
	Title     string
	Context   *ChainContext
	// Notes are the editor's requirements for this chapter, typically the
	// feedback of a rejection.
	Notes string
	// PriorContent is set when the chapter is being rewritten.
	PriorContent string
	MinWords     int
	MaxWords     int
}

// buildChapterPrompt returns the user prompt for a chapter.
func buildChapterPrompt(in chapterPromptInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Write Chapter %d of a book based on the following information:\n\n", in.Number)
	fmt.Fprintf(&sb, "Book Title: %s\n\n", in.BookTitle)
	sb.WriteString("Full Book Outline:\n")
	if in.Context != nil {
		sb.WriteString(in.Context.Outline)
	}
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Current Chapter: Chapter %d - %s\n", in.Number, in.Title)

	if in.Context != nil && len(in.Context.Previous) > 0 {
		sb.WriteString("\nContext from previous chapters:\n")
		for _, prev := range in.Context.Previous {
			fmt.Fprintf(&sb, "Chapter %d Summary: %s\n", prev.Number, prev.Summary)
		}
	}

	if in.PriorContent != "" {
		sb.WriteString("\nPrevious draft of this chapter, to be rewritten:\n---\n")
		sb.WriteString(in.PriorContent)
		sb.WriteString("\n---\n")
	}

	if in.Notes != "" {
		sb.WriteString("\nEditor's Specific Requirements for this Chapter:\n")
		sb.WriteString(in.Notes)
		sb.WriteString("\n")
	}

	sb.WriteString("\nWrite a comprehensive, well-structured chapter that:\n")
	sb.WriteString("1. Follows the outline's guidance for this chapter\n")
	sb.WriteString("2. Maintains continuity with previous chapters (if any)\n")
	sb.WriteString("3. Includes proper transitions and flow\n")
	fmt.Fprintf(&sb, "4. Is substantial in length (aim for %d-%d words)\n", in.MinWords, in.MaxWords)
	sb.WriteString("5. Addresses all points from the editor's requirements\n\n")
	fmt.Fprintf(&sb, "Begin the chapter with \"# Chapter %d: %s\" and then write the full content.\n", in.Number, in.Title)

	return sb.String()
}

// buildSummaryPrompt returns the user prompt that condenses a chapter for
// the context chain.
func buildSummaryPrompt(number int, title, content string, minWords, maxWords int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Summarize the following chapter in %d-%d words. Focus on:\n", minWords, maxWords)
	sb.WriteString("- Main topics covered\n")
	sb.WriteString("- Key points and arguments\n")
	sb.WriteString("- Important information that would be relevant for understanding subsequent chapters\n\n")
	fmt.Fprintf(&sb, "Chapter %d: %s\n\n", number, title)
	sb.WriteString(content)
	sb.WriteString("\n\nProvide a clear, concise summary:")

	return sb.String()
}

// previousSummaries is a logging helper listing the chapter numbers in a context.
func previousSummaries(c *ChainContext) []int {
	if c == nil {
		return nil
	}
	out := make([]int, len(c.Previous))
	for i, p := range c.Previous {
		out[i] = p.Number
	}
	return out
}

// countWords returns the number of whitespace separated words in s.
func countWords(s string) int {
	return len(strings.Fields(s))
}
