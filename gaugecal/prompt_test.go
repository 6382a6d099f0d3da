package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsolePrompt_Ask(t *testing.T) {
	options := []string{"Roll the engine back", "The engine is fine"}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"by number", "2\n", "The engine is fine"},
		{"by text", "the engine is fine\n", "The engine is fine"},
		{"retry after bad answers", "7\nmaybe\n\n1\n", "Roll the engine back"},
		{"last line without newline", "2", "The engine is fine"},
		{"end of input", "", "Roll the engine back"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newConsolePrompt(strings.NewReader(tt.input), &out)
			assert.Equal(t, tt.want, p.Ask("The engine is stuck", "Check the motor", options))
			assert.Contains(t, out.String(), "The engine is stuck")
			assert.Contains(t, out.String(), "2) The engine is fine")
		})
	}
}

func TestConsolePrompt_NoOptions(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompt(strings.NewReader("1\n"), &out)
	assert.Equal(t, "", p.Ask("title", "message", nil))
}
