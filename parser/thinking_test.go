package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var defaultTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}

// feedAll runs chunks through the parser and finalize, returning the joined
// thinking and regular outputs.
func feedAll(p *ThinkingParser, chunks ...string) (string, string) {
	var thinking, regular strings.Builder
	for _, chunk := range chunks {
		result := p.Feed(chunk)
		thinking.WriteString(result.ThinkingContent)
		regular.WriteString(result.RegularContent)
	}
	final := p.Finalize()
	thinking.WriteString(final.ThinkingContent)
	regular.WriteString(final.RegularContent)
	return thinking.String(), regular.String()
}

func TestThinkingParserBasic(t *testing.T) {
	t.Run("complete block in one chunk", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "<thinking>some reasoning</thinking>the answer")

		assert.Equal(t, "some reasoning", thinking)
		assert.Equal(t, "the answer", regular)
		assert.True(t, p.FoundThinkingBlock())
	})

	t.Run("no thinking block", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "Just a plain answer with no tags.")

		assert.Empty(t, thinking)
		assert.Equal(t, "Just a plain answer with no tags.", regular)
		assert.False(t, p.FoundThinkingBlock())
	})

	t.Run("leading whitespace before tag", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "  \n<think>why</think>because")

		assert.Equal(t, "why", thinking)
		assert.Equal(t, "because", regular)
	})

	t.Run("alternate tags detected", func(t *testing.T) {
		for _, tag := range []string{"reasoning", "thought", "think"} {
			p := NewThinkingParser(defaultTags, 100)
			input := "<" + tag + ">inner</" + tag + ">rest"
			thinking, regular := feedAll(p, input)

			assert.Equal(t, "inner", thinking, "tag %s", tag)
			assert.Equal(t, "rest", regular, "tag %s", tag)
		}
	})

	t.Run("tag mid-text is not a thinking block", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "The tag <thinking> appears later.")

		assert.Empty(t, thinking)
		assert.Equal(t, "The tag <thinking> appears later.", regular)
		assert.False(t, p.FoundThinkingBlock())
	})
}

func TestThinkingParserSplitTags(t *testing.T) {
	t.Run("open and close tags split across chunks", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "<think", "ing>reasoning</think", "ing>answer")

		assert.Equal(t, "reasoning", thinking)
		assert.Equal(t, "answer", regular)
		assert.True(t, p.FoundThinkingBlock())
	})

	t.Run("byte-at-a-time chunking", func(t *testing.T) {
		input := "<thinking>step by step</thinking>done"
		p := NewThinkingParser(defaultTags, 100)

		var chunks []string
		for _, r := range input {
			chunks = append(chunks, string(r))
		}
		thinking, regular := feedAll(p, chunks...)

		assert.Equal(t, "step by step", thinking)
		assert.Equal(t, "done", regular)
	})

	t.Run("long thinking released incrementally", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		long := strings.Repeat("x", 500)

		result := p.Feed("<thinking>" + long)
		// Everything except the holdback window is released immediately.
		assert.NotEmpty(t, result.ThinkingContent)
		assert.Less(t, len(result.ThinkingContent), 500)

		thinking, regular := feedAll(p, "</thinking>after")
		assert.Equal(t, long, result.ThinkingContent+thinking)
		assert.Equal(t, "after", regular)
	})
}

func TestThinkingParserFinalize(t *testing.T) {
	t.Run("unclosed block flushes as thinking", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "<thinking>never closed")

		assert.Equal(t, "never closed", thinking)
		assert.Empty(t, regular)
	})

	t.Run("pre-content buffer flushes as regular", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		thinking, regular := feedAll(p, "<thi")

		assert.Empty(t, thinking)
		assert.Equal(t, "<thi", regular)
	})

	t.Run("finalize in streaming state is a no-op", func(t *testing.T) {
		p := NewThinkingParser(defaultTags, 100)
		p.Feed("plain text")

		final := p.Finalize()
		assert.Empty(t, final.ThinkingContent)
		assert.Empty(t, final.RegularContent)
	})
}

func TestThinkingParserBufferOverflow(t *testing.T) {
	p := NewThinkingParser(defaultTags, 10)
	// A partial-looking prefix longer than the buffer stops being held.
	result := p.Feed("<thinking-but-this-is-not-a-tag and keeps going")

	assert.Equal(t, "<thinking-but-this-is-not-a-tag and keeps going", result.RegularContent)
	assert.Equal(t, StateStreaming, p.State())
}

func TestThinkingParserState(t *testing.T) {
	p := NewThinkingParser(defaultTags, 100)
	assert.Equal(t, StatePreContent, p.State())

	p.Feed("<thinking>inner")
	assert.Equal(t, StateInThinking, p.State())

	p.Feed("</thinking>out")
	assert.Equal(t, StateStreaming, p.State())
	assert.Equal(t, "<thinking>", p.OpenTag())
	assert.Equal(t, "</thinking>", p.CloseTag())
}
