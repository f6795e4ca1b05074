// Package utils provides shared helpers for Kiro Gateway: identifier
// generation, content flattening, and JSON Schema sanitisation.
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GenerateToolCallID generates a tool call id in OpenAI format.
func GenerateToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// GenerateConversationID generates a fresh conversation id.
func GenerateConversationID() string {
	return uuid.New().String()
}

// GenerateCompletionID generates a stable id for one chat completion response.
func GenerateCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// GenerateFingerprint derives a stable 64-hex-character identifier from
// process-local entropy. Opaque to the Kiro service; used for correlation.
func GenerateFingerprint() string {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		seed = []byte(uuid.New().String())
	}
	sum := sha256.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// ExtractTextContent flattens a message content value to plain text.
// Supported shapes: nil, string, list of parts (text parts and bare strings
// contribute, other shapes are skipped). Anything else uses its string form.
func ExtractTextContent(content interface{}) string {
	if content == nil {
		return ""
	}

	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var sb strings.Builder
		for _, item := range v {
			switch it := item.(type) {
			case string:
				sb.WriteString(it)
			case map[string]interface{}:
				if it["type"] == "text" {
					if text, ok := it["text"].(string); ok {
						sb.WriteString(text)
					}
				} else if text, ok := it["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return fmt.Sprintf("%v", content)
	}
}

// SanitizeJSONSchema removes schema fields the Kiro API rejects: empty
// "required" arrays and "additionalProperties" keys, at any nesting depth.
// The input is not mutated. Idempotent.
func SanitizeJSONSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}

	result := make(map[string]interface{}, len(schema))
	for key, value := range schema {
		if key == "additionalProperties" {
			continue
		}
		if key == "required" {
			if arr, ok := value.([]interface{}); ok && len(arr) == 0 {
				continue
			}
		}
		result[key] = sanitizeValue(value)
	}
	return result
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizeJSONSchema(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
