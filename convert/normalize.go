// Package convert translates between the Anthropic-style and
// OpenAI-style chat dialects through the normalized model in package
// llm, and enforces the message-list invariants both dialects rely on:
// tool_use/tool_result pairing across adjacent messages and strict
// user/assistant alternation.
package convert

import (
	"modelgate/llm"

	"github.com/rs/zerolog/log"
)

// Normalize reshapes a message list so that consecutive same-role
// messages are merged, tool blocks are paired across adjacent
// messages, and empty messages are removed. System messages must
// already have been extracted by the dialect decoder.
func Normalize(messages []llm.Message) []llm.Message {
	merged := mergeConsecutiveRoles(messages)
	paired := enforceToolPairing(merged)
	return dropUnpairable(paired)
}

// EndsWithUser reports whether the last message has role user, which
// upstream requires for a fresh completion.
func EndsWithUser(messages []llm.Message) bool {
	if len(messages) == 0 {
		return false
	}
	return messages[len(messages)-1].Role == llm.RoleUser
}

func mergeConsecutiveRoles(messages []llm.Message) []llm.Message {
	var result []llm.Message
	for _, msg := range messages {
		if len(result) > 0 && result[len(result)-1].Role == msg.Role {
			prev := &result[len(result)-1]
			prev.Content = appendBlocks(prev.Content, msg.Content)
			continue
		}
		copied := msg
		copied.Content = append([]llm.ContentBlock(nil), msg.Content...)
		result = append(result, copied)
	}
	return result
}

// appendBlocks concatenates two block lists, joining an adjacent text
// block pair with a blank line instead of keeping two fragments.
func appendBlocks(dst, src []llm.ContentBlock) []llm.ContentBlock {
	for _, block := range src {
		if block.Type == llm.BlockTypeText && len(dst) > 0 && dst[len(dst)-1].Type == llm.BlockTypeText {
			dst[len(dst)-1].Text = dst[len(dst)-1].Text + "\n\n" + block.Text
			continue
		}
		dst = append(dst, block)
	}
	return dst
}

// enforceToolPairing applies the pairing invariant: each assistant
// tool_use id must be answered by exactly one tool_result with the
// same id in the immediately following user message. Orphans on either
// side are dropped rather than answered with fabricated content.
func enforceToolPairing(messages []llm.Message) []llm.Message {
	result := make([]llm.Message, len(messages))
	copy(result, messages)

	for i := range result {
		msg := &result[i]
		switch msg.Role {
		case llm.RoleAssistant:
			answered := map[string]bool{}
			if i+1 < len(result) && result[i+1].Role == llm.RoleUser {
				for _, block := range result[i+1].Content {
					if block.Type == llm.BlockTypeToolResult {
						answered[block.ResultForId] = true
					}
				}
			}
			msg.Content = filterBlocks(msg.Content, func(block llm.ContentBlock) bool {
				if block.Type != llm.BlockTypeToolUse {
					return true
				}
				if !answered[block.ToolUseId] {
					log.Debug().Str("toolUseId", block.ToolUseId).Msg("dropping unanswered tool_use block")
					return false
				}
				return true
			})
		case llm.RoleUser:
			asked := map[string]bool{}
			if i > 0 && result[i-1].Role == llm.RoleAssistant {
				for _, block := range result[i-1].Content {
					if block.Type == llm.BlockTypeToolUse {
						asked[block.ToolUseId] = true
					}
				}
			}
			seen := map[string]bool{}
			msg.Content = filterBlocks(msg.Content, func(block llm.ContentBlock) bool {
				if block.Type != llm.BlockTypeToolResult {
					return true
				}
				if !asked[block.ResultForId] || seen[block.ResultForId] {
					log.Debug().Str("toolUseId", block.ResultForId).Msg("dropping orphan tool_result block")
					return false
				}
				seen[block.ResultForId] = true
				return true
			})
		}
	}
	return result
}

// dropUnpairable removes messages left empty by pairing and any
// leading assistant message, then re-merges so alternation holds.
func dropUnpairable(messages []llm.Message) []llm.Message {
	var result []llm.Message
	for _, msg := range messages {
		if msg.IsEmpty() {
			continue
		}
		if len(result) == 0 && msg.Role == llm.RoleAssistant {
			log.Debug().Msg("dropping leading assistant message")
			continue
		}
		result = append(result, msg)
	}
	// dropping can make previously separated same-role messages
	// adjacent again
	return mergeConsecutiveRoles(result)
}

func filterBlocks(blocks []llm.ContentBlock, keep func(llm.ContentBlock) bool) []llm.ContentBlock {
	var result []llm.ContentBlock
	for _, block := range blocks {
		if keep(block) {
			result = append(result, block)
		}
	}
	return result
}
