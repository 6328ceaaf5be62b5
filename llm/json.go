package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RepairJson attempts to turn almost-valid model-emitted JSON into
// valid JSON. It first escapes raw control characters that appear
// inside string literals, then, if the result still fails to parse,
// applies a stricter pass that also strips trailing commas. The input
// is returned unchanged when neither pass yields valid JSON.
func RepairJson(jsonStr string) string {
	escaped := escapeControlCharsInStrings(jsonStr)
	if compacted, err := compactJson(escaped); err == nil {
		return compacted
	}

	strict := stripTrailingCommas(escaped)
	if compacted, err := compactJson(strict); err == nil {
		return compacted
	}

	return jsonStr
}

// ParseToolInput parses a tool-input candidate, repairing it when the
// raw form is invalid. The boolean reports whether any parse succeeded.
func ParseToolInput(candidate string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(candidate)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}
	repaired := RepairJson(trimmed)
	if repaired != trimmed && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), true
	}
	return nil, false
}

func compactJson(jsonStr string) (string, error) {
	if !json.Valid([]byte(jsonStr)) {
		return "", fmt.Errorf("invalid json")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(jsonStr)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// escapeControlCharsInStrings walks the input tracking string and
// escape state, replacing raw bytes in the 0x00-0x1F range that occur
// inside string literals with their JSON escape sequences.
func escapeControlCharsInStrings(jsonStr string) string {
	var result strings.Builder
	result.Grow(len(jsonStr))
	inString := false
	wasBackslash := false

	for i := 0; i < len(jsonStr); i++ {
		c := jsonStr[i]
		if inString && !wasBackslash && c < 0x20 {
			switch c {
			case '\n':
				result.WriteString(`\n`)
			case '\r':
				result.WriteString(`\r`)
			case '\t':
				result.WriteString(`\t`)
			default:
				result.WriteString(fmt.Sprintf(`\u%04x`, c))
			}
			continue
		}

		result.WriteByte(c)
		if c == '"' && !wasBackslash {
			inString = !inString
		}
		if c == '\\' && !wasBackslash {
			wasBackslash = true
		} else {
			wasBackslash = false
		}
	}
	return result.String()
}

// stripTrailingCommas removes commas that immediately precede a closing
// brace or bracket outside of string literals.
func stripTrailingCommas(jsonStr string) string {
	var result []byte
	inString := false
	wasBackslash := false

	for i := 0; i < len(jsonStr); i++ {
		c := jsonStr[i]
		if !inString && c == ',' {
			j := i + 1
			for j < len(jsonStr) && (jsonStr[j] == ' ' || jsonStr[j] == '\n' || jsonStr[j] == '\r' || jsonStr[j] == '\t') {
				j++
			}
			if j < len(jsonStr) && (jsonStr[j] == '}' || jsonStr[j] == ']') {
				continue
			}
		}

		result = append(result, c)
		if c == '"' && !wasBackslash {
			inString = !inString
		}
		if c == '\\' && !wasBackslash {
			wasBackslash = true
		} else {
			wasBackslash = false
		}
	}
	return string(result)
}
