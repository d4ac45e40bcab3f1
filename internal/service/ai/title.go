package ai

import (
	"strings"
	"unicode/utf8"
)

const (
	titleMaxLen        = 200
	titleInputMaxLen   = 500
	titleFallbackWords = 6
	defaultTitle       = "New Conversation"
)

const titlePrompt = `Write a short title (at most six words) summarizing this conversation. ` +
	`Reply with the title only: no quotes, no prefix, no punctuation at the end.`

// CleanTitle normalizes raw model output into a usable conversation title.
// It strips wrapping quotes and a leading "Title:" echo, collapses the text
// onto one line, and truncates overlong output.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexAny(title, "\r\n"); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"‘", "’"}} {
		if strings.HasPrefix(title, pair[0]) && strings.HasSuffix(title, pair[1]) && len(title) > len(pair[0])+len(pair[1]) {
			title = strings.TrimSpace(title[len(pair[0]) : len(title)-len(pair[1])])
		}
	}
	lower := strings.ToLower(title)
	if strings.HasPrefix(lower, "title:") {
		title = strings.TrimSpace(title[len("title:"):])
	}
	return truncateRunes(title, titleMaxLen)
}

// FallbackTitle derives a title from the user's opening message when the
// model cannot provide one.
func FallbackTitle(userText string) string {
	words := strings.Fields(userText)
	if len(words) == 0 {
		return defaultTitle
	}
	if len(words) > titleFallbackWords {
		words = words[:titleFallbackWords]
	}
	title := truncateRunes(strings.Join(words, " "), titleMaxLen)
	if title == "" {
		return defaultTitle
	}
	return title
}

// DefaultTitle is the title reported for conversations that never got one.
func DefaultTitle() string { return defaultTitle }

func truncateForTitle(text string) string {
	return truncateRunes(strings.TrimSpace(text), titleInputMaxLen)
}

func truncateRunes(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
