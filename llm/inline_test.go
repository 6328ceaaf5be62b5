package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBlocksSingleCall(t *testing.T) {
	text := "Let me read that file.\n[Calling tool: Read]\nInput: {\"path\": \"/tmp/x\"}"
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 2)
	assert.Equal(t, BlockTypeText, blocks[0].Type)
	assert.Equal(t, "Let me read that file.", blocks[0].Text)
	assert.Equal(t, BlockTypeToolUse, blocks[1].Type)
	assert.Equal(t, "Read", blocks[1].ToolName)
	assert.JSONEq(t, `{"path": "/tmp/x"}`, string(blocks[1].Input))
	assert.True(t, strings.HasPrefix(blocks[1].ToolUseId, "toolu_"))
	assert.Len(t, blocks[1].ToolUseId, len("toolu_")+12)
}

func TestExtractBlocksMultipleCalls(t *testing.T) {
	text := "[Calling tool: Read]\nInput: {\"path\": \"a\"}\nthen\n[Calling tool: Write]\nInput: {\"path\": \"b\", \"content\": \"c\"}"
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 3)
	assert.Equal(t, BlockTypeToolUse, blocks[0].Type)
	assert.Equal(t, "Read", blocks[0].ToolName)
	assert.Equal(t, BlockTypeText, blocks[1].Type)
	assert.Equal(t, "then", strings.TrimSpace(blocks[1].Text))
	assert.Equal(t, BlockTypeToolUse, blocks[2].Type)
	assert.Equal(t, "Write", blocks[2].ToolName)
	assert.NotEqual(t, blocks[0].ToolUseId, blocks[2].ToolUseId)
}

func TestExtractBlocksNestedBraces(t *testing.T) {
	text := `[Calling tool: Edit]
Input: {"edits": {"old": "a{b}c", "new": "{\"x\": 1}"}}`
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 1)
	assert.Equal(t, BlockTypeToolUse, blocks[0].Type)
	assert.JSONEq(t, `{"edits": {"old": "a{b}c", "new": "{\"x\": 1}"}}`, string(blocks[0].Input))
}

func TestExtractBlocksRepairsRawNewlines(t *testing.T) {
	text := "[Calling tool: Bash]\nInput: {\"command\": \"echo hi\necho bye\"}"
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 1)
	assert.Equal(t, BlockTypeToolUse, blocks[0].Type)
	assert.JSONEq(t, `{"command": "echo hi\necho bye"}`, string(blocks[0].Input))
}

func TestExtractBlocksUnbalancedInputStaysText(t *testing.T) {
	text := "[Calling tool: Read]\nInput: {\"path\": \"/tmp/x\""
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 1)
	assert.Equal(t, BlockTypeText, blocks[0].Type)
	assert.Equal(t, text, blocks[0].Text)
}

func TestExtractBlocksPlainText(t *testing.T) {
	blocks := ExtractBlocks("no tools here")
	require.Len(t, blocks, 1)
	assert.Equal(t, TextBlock("no tools here"), blocks[0])
}

func TestExtractBlocksTrailingText(t *testing.T) {
	text := "[Calling tool: Read]\nInput: {\"path\": \"a\"}\nDone reading."
	blocks := ExtractBlocks(text)

	require.Len(t, blocks, 2)
	assert.Equal(t, BlockTypeToolUse, blocks[0].Type)
	assert.Equal(t, "Done reading.", strings.TrimSpace(blocks[1].Text))
}

func TestRenderInlineRoundTrip(t *testing.T) {
	block := ToolUseBlock("toolu_abcdef012345", "Read", []byte(`{"path":"/tmp/x"}`))
	rendered := RenderInline(block)

	blocks := ExtractBlocks(rendered)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Read", blocks[0].ToolName)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(blocks[0].Input))
}

func TestContainsInlineToolMarker(t *testing.T) {
	assert.True(t, ContainsInlineToolMarker("x [Calling tool: Read] y"))
	assert.False(t, ContainsInlineToolMarker("calling tool read"))
}

func TestStructuredToolCalls(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("hi"),
		ToolUseBlock("t1", "Read", []byte(`{"path":"a"}`)),
		ToolUseBlock("t2", "Glob", nil),
	}
	calls := StructuredToolCalls(blocks)

	require.Len(t, calls, 2)
	assert.Equal(t, ToolCallRef{Id: "t1", Name: "Read", Arguments: `{"path":"a"}`}, calls[0])
	assert.Equal(t, "{}", calls[1].Arguments)
}
