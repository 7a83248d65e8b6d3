package story

import "strings"

const (
	previewChars  = 100
	untitledStory = "Untitled Story"
)

// ReconstructContent joins every assistant segment with a blank line.
func ReconstructContent(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// LastAssistant returns the newest assistant segment, or "".
func LastAssistant(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// ExtractTheme names a story by its theme, goal or setting.
func ExtractTheme(w *WorldState) string {
	for _, candidate := range []string{w.Theme, Deref(w.Goal, ""), Deref(w.Setting, "")} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return untitledStory
}

// ContentPreview truncates content to 100 characters plus "...".
func ContentPreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewChars {
		return content
	}
	return string(runes[:previewChars]) + "..."
}
