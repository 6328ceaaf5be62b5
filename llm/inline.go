package llm

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Inline tool-call markers are the legacy wire format used when the
// upstream channel lacks native structured tool calls. An invocation
// looks like:
//
//	[Calling tool: Read]
//	Input: {"path": "/tmp/x"}
const (
	inlineToolPrefix   = "[Calling tool: "
	inlineInputMarker  = "Input:"
	inlineResultPrefix = "[Tool result for: "
)

// NewToolUseId generates an id for a synthesized tool_use block.
func NewToolUseId() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// math-free fallback keeps ids unique enough for one response
		return fmt.Sprintf("toolu_%012x", len(buf))
	}
	return "toolu_" + hex.EncodeToString(buf)
}

// ContainsInlineToolMarker reports whether text contains the start of
// an inline tool invocation.
func ContainsInlineToolMarker(text string) bool {
	return strings.Contains(text, inlineToolPrefix)
}

// RenderInline emits the legacy inline form of a tool_use block.
func RenderInline(block ContentBlock) string {
	switch block.Type {
	case BlockTypeToolUse:
		input := string(block.Input)
		if input == "" {
			input = "{}"
		}
		return fmt.Sprintf("%s%s]\n%s %s", inlineToolPrefix, block.ToolName, inlineInputMarker, input)
	case BlockTypeToolResult:
		return fmt.Sprintf("%s%s]\n%s", inlineResultPrefix, block.ResultForId, block.Result)
	default:
		return block.Text
	}
}

// ExtractBlocks splits model-emitted text into an ordered list of text
// and tool_use blocks. Prose around and between invocations is
// preserved as text blocks. A marker whose input cannot be recovered as
// JSON is left in place as text.
func ExtractBlocks(text string) []ContentBlock {
	var blocks []ContentBlock
	rest := text

	for {
		idx := strings.Index(rest, inlineToolPrefix)
		if idx < 0 {
			break
		}

		call, end, ok := parseInlineToolCall(rest[idx:])
		if !ok {
			// no complete invocation at this marker; everything from
			// here on is plain text
			break
		}

		if prefix := rest[:idx]; strings.TrimSpace(prefix) != "" {
			blocks = append(blocks, TextBlock(strings.TrimRight(prefix, " \n")))
		}
		blocks = append(blocks, call)
		rest = rest[idx+end:]
	}

	if strings.TrimSpace(rest) != "" || len(blocks) == 0 {
		blocks = append(blocks, TextBlock(rest))
	}
	return blocks
}

// parseInlineToolCall parses one invocation at the beginning of s,
// which must start with the tool prefix. It returns the synthesized
// block and the offset just past the consumed input.
func parseInlineToolCall(s string) (ContentBlock, int, bool) {
	nameStart := len(inlineToolPrefix)
	nameEnd := strings.Index(s[nameStart:], "]")
	if nameEnd < 0 {
		return ContentBlock{}, 0, false
	}
	name := strings.TrimSpace(s[nameStart : nameStart+nameEnd])
	if name == "" {
		return ContentBlock{}, 0, false
	}

	afterName := nameStart + nameEnd + 1
	inputIdx := strings.Index(s[afterName:], inlineInputMarker)
	if inputIdx < 0 {
		return ContentBlock{}, 0, false
	}
	inputStart := afterName + inputIdx + len(inlineInputMarker)

	braceIdx := strings.Index(s[inputStart:], "{")
	if braceIdx < 0 {
		return ContentBlock{}, 0, false
	}
	jsonStart := inputStart + braceIdx

	jsonEnd := scanBalancedJson(s, jsonStart)
	if jsonEnd < 0 {
		return ContentBlock{}, 0, false
	}

	candidate := s[jsonStart:jsonEnd]
	input, ok := ParseToolInput(candidate)
	if !ok {
		log.Warn().Str("tool", name).Str("candidate", truncateForLog(candidate, 200)).
			Msg("inline tool input not recoverable as JSON, leaving as text")
		return ContentBlock{}, 0, false
	}

	return ToolUseBlock(NewToolUseId(), name, input), jsonEnd, true
}

// scanBalancedJson scans forward from an opening brace, tracking brace
// depth, string state, and backslash escapes. It returns the index just
// past the position where depth returns to zero, or -1 when the text
// ends first.
func scanBalancedJson(s string, start int) int {
	depth := 0
	inString := false
	wasBackslash := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if wasBackslash {
				wasBackslash = false
			} else if c == '\\' {
				wasBackslash = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// ParseInlineToolCall parses one invocation at the beginning of s,
// which must start with the tool marker. It returns the synthesized
// block and the offset just past the consumed input.
func ParseInlineToolCall(s string) (ContentBlock, int, bool) {
	return parseInlineToolCall(s)
}

// InlineHoldbackIndex returns the earliest index in s from which text
// may belong to an inline tool invocation that is still arriving: the
// start of a marker, or of a trailing partial marker prefix. Returns
// -1 when all of s is safe to emit as plain text.
func InlineHoldbackIndex(s string) int {
	if idx := strings.Index(s, inlineToolPrefix); idx >= 0 {
		return idx
	}
	max := len(inlineToolPrefix) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, inlineToolPrefix[:n]) {
			return len(s) - n
		}
	}
	return -1
}

// StructuredToolCalls converts tool_use blocks to (id, name, argument)
// triples with JSON-stringified arguments for the structured wire.
func StructuredToolCalls(blocks []ContentBlock) []ToolCallRef {
	var calls []ToolCallRef
	for _, block := range blocks {
		if block.Type != BlockTypeToolUse {
			continue
		}
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCallRef{Id: block.ToolUseId, Name: block.ToolName, Arguments: args})
	}
	return calls
}

// ToolCallRef is a structured tool invocation in wire-neutral form.
type ToolCallRef struct {
	Id        string
	Name      string
	Arguments string
}

// InputOrEmpty returns the parsed arguments, falling back to an empty
// object when they cannot be parsed even after repair.
func (t ToolCallRef) InputOrEmpty() json.RawMessage {
	if input, ok := ParseToolInput(t.Arguments); ok {
		return input
	}
	return json.RawMessage("{}")
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
