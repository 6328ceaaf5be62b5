package history

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"modelgate/llm"
)

const (
	sessionKeyMessages  = 3
	sessionKeyCharLimit = 100
	sessionKeyLength    = 16
)

// SessionKey derives a stable cache key from the head of a
// conversation. The first few messages identify a session well enough
// for summary memoization and, unlike the tail, do not change as the
// conversation grows.
func SessionKey(messages []llm.Message) string {
	n := sessionKeyMessages
	if len(messages) < n {
		n = len(messages)
	}
	parts := make([]string, 0, n)
	for _, msg := range messages[:n] {
		text := msg.Text()
		if len(text) > sessionKeyCharLimit {
			text = text[:sessionKeyCharLimit]
		}
		parts = append(parts, text)
	}
	digest := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:])[:sessionKeyLength]
}
