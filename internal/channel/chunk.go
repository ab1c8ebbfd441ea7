package channel

import (
	"context"
	"strings"
	"time"
)

// Per-platform outbound size limits, in runes.
const (
	DiscordMessageLimit  = 2000
	TelegramMessageLimit = 4096
	SlackMessageLimit    = 3000
	WhatsAppMessageLimit = 65536
)

// InterChunkDelay spaces consecutive chunks of one logical message so
// platforms deliver them in order and rate limiters stay quiet.
const InterChunkDelay = 500 * time.Millisecond

// PauseBetweenChunks sleeps for InterChunkDelay unless ctx ends first.
func PauseBetweenChunks(ctx context.Context) error {
	timer := time.NewTimer(InterChunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SplitMessage breaks content into chunks of at most limit runes. Breaks
// are chosen at the last paragraph boundary within the limit, then the
// last line boundary, then the last space; only when a single word exceeds
// the limit is it cut mid-word. The separator consumed by a soft break is
// dropped, so chunks rejoin to the original text minus break whitespace.
func SplitMessage(content string, limit int) []string {
	if limit <= 0 || len([]rune(content)) <= limit {
		if content == "" {
			return nil
		}
		return []string{content}
	}

	var chunks []string
	rest := content
	for len([]rune(rest)) > limit {
		head, tail := splitOnce(rest, limit)
		if head != "" {
			chunks = append(chunks, head)
		}
		rest = tail
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitOnce cuts one chunk of at most limit runes off the front of s.
func splitOnce(s string, limit int) (head, tail string) {
	window := string([]rune(s)[:limit])

	type breaker struct {
		sep string
	}
	for _, b := range []breaker{{"\n\n"}, {"\n"}, {" "}} {
		if idx := strings.LastIndex(window, b.sep); idx > 0 {
			return s[:idx], s[idx+len(b.sep):]
		}
	}
	// No soft break fits: hard cut at the rune limit.
	return window, s[len(window):]
}
