package ocr

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// TextToMarkdown turns plain OCR text into light Markdown: short
// upper-case, colon-terminated or title-case lines become "##" headings,
// other consecutive lines are joined into paragraphs.
func TextToMarkdown(text string) string {
	if text == "" {
		return ""
	}

	var (
		out       []string
		paragraph []string
	)
	flush := func() {
		if len(paragraph) > 0 {
			out = append(out, collapseSpace(strings.Join(paragraph, " ")), "")
			paragraph = nil
		}
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flush()
		case looksLikeHeading(line):
			flush()
			out = append(out, "## "+line, "")
		default:
			paragraph = append(paragraph, line)
		}
	}
	if len(paragraph) > 0 {
		out = append(out, collapseSpace(strings.Join(paragraph, " ")))
	}

	md := blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n\n")
	return strings.TrimSpace(md)
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func looksLikeHeading(line string) bool {
	n := utf8.RuneCountInString(line)
	if n <= 2 {
		return false
	}
	if n < 100 && (isUpper(line) || strings.HasSuffix(line, ":")) {
		return true
	}
	return len(strings.Fields(line)) <= 6 && isTitle(line)
}

// isUpper: at least one cased letter and no lower-case ones
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

// isTitle: every word starts upper-case and continues lower-case
func isTitle(s string) bool {
	cased := false
	prevLetter := false
	for _, r := range s {
		letter := unicode.IsLetter(r)
		if letter {
			if prevLetter && unicode.IsUpper(r) {
				return false
			}
			if !prevLetter && unicode.IsLower(r) {
				return false
			}
			cased = true
		}
		prevLetter = letter
	}
	return cased
}
