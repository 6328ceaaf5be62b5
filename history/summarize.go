package history

import (
	"fmt"
	"strings"

	"modelgate/llm"
)

const transcriptMessageCharLimit = 2000

// BuildSummaryPrompt renders the older messages as a transcript and
// wraps them in the structured-extraction instruction the summarizer
// model is asked to follow.
func BuildSummaryPrompt(older []llm.Message, maxLength int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the conversation below for continuation. Extract:\n")
	sb.WriteString("1. The user's goals and requirements\n")
	sb.WriteString("2. Work completed so far\n")
	sb.WriteString("3. The current state of the task\n")
	sb.WriteString("4. Key files, identifiers, and decisions mentioned\n\n")
	fmt.Fprintf(&sb, "Keep the summary under %d characters. Do not add commentary.\n\n", maxLength)
	sb.WriteString("--- Conversation ---\n")
	sb.WriteString(RenderTranscript(older))
	return sb.String()
}

// RenderTranscript flattens messages into a plain-text transcript,
// clipping very long individual messages.
func RenderTranscript(messages []llm.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		text := msg.Text()
		for _, block := range msg.Content {
			if block.Type == llm.BlockTypeToolUse {
				text += fmt.Sprintf("\n[used tool %s]", block.ToolName)
			}
		}
		if len(text) > transcriptMessageCharLimit {
			text = text[:transcriptMessageCharLimit] + "..."
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, text)
	}
	return sb.String()
}
