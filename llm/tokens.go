package llm

import "unicode"

// CJK text is denser per token than Latin text, so Han runes are
// weighted separately; other runes divide by the configurable
// chars-per-token ratio.
const (
	cjkCharsPerToken = 1.5

	// DefaultCharsPerToken matches the history config default.
	DefaultCharsPerToken = 3.0
)

// EstimateTokens approximates the token count of a string at the
// default ratio.
func EstimateTokens(text string) int {
	return EstimateTokensWith(text, DefaultCharsPerToken)
}

// EstimateTokensWith approximates the token count of a string using
// the given chars-per-token ratio for non-CJK runes. Ratios of zero or
// less fall back to the default.
func EstimateTokensWith(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjk++
		} else {
			other++
		}
	}
	estimate := int(float64(cjk)/cjkCharsPerToken + float64(other)/charsPerToken)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// EstimateMessagesTokens sums token estimates across a message list at
// the default ratio.
func EstimateMessagesTokens(messages []Message) int {
	return EstimateMessagesTokensWith(messages, DefaultCharsPerToken)
}

// EstimateMessagesTokensWith sums token estimates across a message
// list, including serialized tool inputs and results.
func EstimateMessagesTokensWith(messages []Message, charsPerToken float64) int {
	total := 0
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case BlockTypeText, BlockTypeThinking:
				total += EstimateTokensWith(block.Text, charsPerToken)
			case BlockTypeToolUse:
				total += EstimateTokensWith(block.ToolName, charsPerToken) + EstimateTokensWith(string(block.Input), charsPerToken)
			case BlockTypeToolResult:
				total += EstimateTokensWith(block.Result, charsPerToken)
			}
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}

// TotalChars returns the character budget consumed by a message list.
func TotalChars(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += msg.Chars()
	}
	return total
}
