package telegram

import (
	"strings"
	"unicode/utf8"
)

// MessageLimit is the longest text Telegram accepts in one message.
const MessageLimit = 4096

// SplitMessage cuts text into chunks of at most limit bytes, preferring
// paragraph breaks, then line breaks, then a hard cut on a rune boundary.
// Newlines at the start of a following chunk are dropped.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:limit], "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(text[:limit], "\n")
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return chunks
}
