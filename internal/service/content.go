package service

import (
	"fmt"
	"html"
	"strings"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

var plainText = bluemonday.StrictPolicy()

// cleanText strips markup from rich-text bodies. Platforms take plain text.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(s)))
}

// contentParts returns the bodies to publish for a platform. A multi-part
// post keeps its parts when the destination chains replies, otherwise the
// parts go out joined as one body. A thread of one part is a plain body. Nil
// means the thread has nothing left to publish.
func contentParts(post *models.Post, platform string, threads bool) []string {
	if len(post.Thread) == 0 {
		return []string{cleanText(post.TextFor(platform))}
	}

	parts := make([]string, 0, len(post.Thread))
	for _, p := range post.Thread {
		if c := cleanText(p); c != "" {
			parts = append(parts, c)
		}
	}
	switch {
	case len(parts) == 0:
		return nil
	case !threads || len(parts) == 1:
		return []string{strings.Join(parts, "\n\n")}
	}
	if post.Numbered {
		for i := range parts {
			parts[i] = fmt.Sprintf("%s (%d/%d)", parts[i], i+1, len(parts))
		}
	}
	return parts
}
