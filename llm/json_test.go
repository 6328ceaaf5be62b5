package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepairJson(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name: "newline in string",
			input: `{"key": "value with
 newline"}`,
			expected: `{"key":"value with \n newline"}`,
		},
		{
			name:     "tab in string",
			input:    "{\"key\": \"a\tb\"}",
			expected: `{"key":"a\tb"}`,
		},
		{
			name:     "control byte in string",
			input:    "{\"key\": \"a\x01b\"}",
			expected: "{\"key\":\"a\\u0001b\"}",
		},
		{
			name:     "trailing comma in object",
			input:    `{"key": "value",}`,
			expected: `{"key":"value"}`,
		},
		{
			name:     "trailing comma in array",
			input:    `{"items": [1, 2, 3,]}`,
			expected: `{"items":[1,2,3]}`,
		},
		{
			name:     "comma inside string untouched",
			input:    `{"key": "a,}"}`,
			expected: `{"key":"a,}"}`,
		},
		{
			name:     "already valid",
			input:    `{"key": "value with \n escaped newline"}`,
			expected: `{"key":"value with \n escaped newline"}`,
		},
		{
			name: "multiple newlines",
			input: `{"key": "one
two
three"}`,
			expected: `{"key":"one\ntwo\nthree"}`,
		},
		{
			name:     "unrecoverable stays unchanged",
			input:    `{"key": value}`,
			expected: `{"key": value}`,
		},
		{
			name:     "escaped quote preserved",
			input:    "{\"key\": \"has \\\" quote and \n newline\"}",
			expected: `{"key":"has \" quote and \n newline"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepairJson(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseToolInput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{name: "valid", input: `{"path": "/tmp/x"}`, expected: `{"path": "/tmp/x"}`, ok: true},
		{name: "raw newline repaired", input: "{\"cmd\": \"ls\nwc\"}", expected: `{"cmd":"ls\nwc"}`, ok: true},
		{name: "trailing comma repaired", input: `{"a": 1,}`, expected: `{"a":1}`, ok: true},
		{name: "hopeless", input: `{"a": `, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseToolInput(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, string(got))
			}
		})
	}
}
