package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToolCallID(t *testing.T) {
	id := GenerateToolCallID()
	assert.True(t, strings.HasPrefix(id, "call_"))
	assert.Len(t, id, len("call_")+24)
	assert.NotEqual(t, id, GenerateToolCallID())
}

func TestGenerateCompletionID(t *testing.T) {
	id := GenerateCompletionID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.NotEqual(t, id, GenerateCompletionID())
}

func TestGenerateFingerprint(t *testing.T) {
	fp := GenerateFingerprint()
	assert.Len(t, fp, 64)
	for _, c := range fp {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
	assert.NotEqual(t, fp, GenerateFingerprint())
}

func TestExtractTextContent(t *testing.T) {
	tests := []struct {
		name    string
		content interface{}
		want    string
	}{
		{name: "nil", content: nil, want: ""},
		{name: "plain string", content: "Hello", want: "Hello"},
		{
			name: "list of text parts",
			content: []interface{}{
				map[string]interface{}{"type": "text", "text": "Hello"},
				map[string]interface{}{"type": "text", "text": " world"},
			},
			want: "Hello world",
		},
		{
			name: "bare strings in list",
			content: []interface{}{
				"Hello", " ", "world",
			},
			want: "Hello world",
		},
		{
			name: "text key without type",
			content: []interface{}{
				map[string]interface{}{"text": "no type"},
			},
			want: "no type",
		},
		{
			name: "non-text parts skipped",
			content: []interface{}{
				map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "x"}},
				map[string]interface{}{"type": "text", "text": "kept"},
			},
			want: "kept",
		},
		{name: "number falls back to string form", content: 42, want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTextContent(tt.content))
		})
	}
}

func TestExtractTextContentRoundTrip(t *testing.T) {
	// Wrapping a string as a single text part and extracting returns the
	// original string.
	for _, s := range []string{"", "hello", "multi\nline"} {
		wrapped := []interface{}{map[string]interface{}{"type": "text", "text": s}}
		assert.Equal(t, s, ExtractTextContent(wrapped))
	}
}

func TestSanitizeJSONSchema(t *testing.T) {
	t.Run("drops additionalProperties at any depth", func(t *testing.T) {
		schema := map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"nested": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": true,
				},
			},
		}

		result := SanitizeJSONSchema(schema)
		assert.NotContains(t, result, "additionalProperties")
		nested := result["properties"].(map[string]interface{})["nested"].(map[string]interface{})
		assert.NotContains(t, nested, "additionalProperties")
	})

	t.Run("drops empty required only", func(t *testing.T) {
		schema := map[string]interface{}{
			"required": []interface{}{},
			"properties": map[string]interface{}{
				"a": map[string]interface{}{
					"required": []interface{}{"x"},
				},
			},
		}

		result := SanitizeJSONSchema(schema)
		assert.NotContains(t, result, "required")
		inner := result["properties"].(map[string]interface{})["a"].(map[string]interface{})
		assert.Equal(t, []interface{}{"x"}, inner["required"])
	})

	t.Run("walks list values", func(t *testing.T) {
		schema := map[string]interface{}{
			"anyOf": []interface{}{
				map[string]interface{}{"additionalProperties": false, "type": "object"},
				map[string]interface{}{"type": "string"},
			},
		}

		result := SanitizeJSONSchema(schema)
		first := result["anyOf"].([]interface{})[0].(map[string]interface{})
		assert.NotContains(t, first, "additionalProperties")
	})

	t.Run("does not mutate input", func(t *testing.T) {
		schema := map[string]interface{}{
			"additionalProperties": false,
			"required":             []interface{}{},
		}

		SanitizeJSONSchema(schema)
		assert.Contains(t, schema, "additionalProperties")
		assert.Contains(t, schema, "required")
	})

	t.Run("idempotent", func(t *testing.T) {
		schema := map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []interface{}{},
			"properties": map[string]interface{}{
				"x": map[string]interface{}{"type": "string"},
			},
		}

		once := SanitizeJSONSchema(schema)
		twice := SanitizeJSONSchema(once)
		assert.Equal(t, once, twice)
	})

	t.Run("nil schema yields empty object", func(t *testing.T) {
		result := SanitizeJSONSchema(nil)
		require.NotNil(t, result)
		assert.Empty(t, result)
	})
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, "/tmp/x", ExpandPath("/tmp/x"))
	assert.Equal(t, "relative/path", ExpandPath("relative/path"))

	expanded := ExpandPath("~/data.db")
	assert.False(t, strings.HasPrefix(expanded, "~"))
	assert.True(t, strings.HasSuffix(expanded, "data.db"))
}
