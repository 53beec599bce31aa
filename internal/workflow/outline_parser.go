package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// chapterLinePattern matches "Chapter 3: Title" and tolerates "Chapter 3 - Title".
var chapterLinePattern = regexp.MustCompile(`(?i)^chapter\s+(\d+)\s*[:.\-–—]\s*(.+)$`)

// descriptionMarker is cut from titles when the model puts the description
// on the heading line.
var descriptionMarker = regexp.MustCompile(`(?i)\s*[-–—|]?\s*description\s*:.*$`)

// ParseChapterTitles extracts the chapter titles of an outline. Headings are
// read from lines of the form "Chapter <n>: <title>", ignoring case and any
// markdown emphasis around them. Placeholder titles and repeated chapter
// numbers are skipped.
//
// The result holds exactly want titles, index 0 being chapter 1. Any other
// shape is a *domain.GenerationContractViolationError; the outline is never
// truncated or padded to fit.
func ParseChapterTitles(outline string, want int) ([]string, error) {
	byNumber := make(map[int]string)

	for _, raw := range strings.Split(outline, "\n") {
		line := cleanHeadingLine(raw)
		m := chapterLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		if _, dup := byNumber[n]; dup {
			continue
		}

		title := cleanTitle(m[2])
		if title == "" || isPlaceholderTitle(title) {
			continue
		}
		byNumber[n] = title
	}

	got := len(byNumber)
	if got != want {
		return nil, domain.NewContractViolation(domain.StageOutline, want, got, "outline must list exactly the requested number of chapters")
	}

	numbers := make([]int, 0, got)
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	titles := make([]string, 0, want)
	for i, n := range numbers {
		if n != i+1 {
			return nil, domain.NewContractViolation(domain.StageOutline, want, got,
				"chapters must be numbered 1 to "+strconv.Itoa(want)+", found chapter "+strconv.Itoa(n))
		}
		titles = append(titles, byNumber[n])
	}

	return titles, nil
}

// cleanHeadingLine strips markdown heading, list and emphasis markers.
func cleanHeadingLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "#*->_ \t")
	line = strings.ReplaceAll(line, "**", "")
	line = strings.ReplaceAll(line, "__", "")
	return strings.TrimSpace(line)
}

func cleanTitle(title string) string {
	title = descriptionMarker.ReplaceAllString(title, "")
	title = strings.Trim(title, " \t*_\"'")
	return strings.TrimSpace(title)
}

func isPlaceholderTitle(title string) bool {
	t := strings.ToLower(title)
	if strings.Contains(t, "chapter title here") {
		return true
	}
	return strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")
}
