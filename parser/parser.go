// Package parser extracts typed events from the Kiro response stream and
// separates thinking blocks from regular content.
//
// The upstream stream is a concatenation of JSON objects embedded in AWS
// event-stream frames with no delimiters at the level this parser sees. The
// parser is byte-resumable: chunks may split frames, objects, and even UTF-8
// sequences at arbitrary positions.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"kiro-gateway/utils"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// EventType classifies parsed stream events.
type EventType string

const (
	EventTypeContent      EventType = "content"
	EventTypeUsage        EventType = "usage"
	EventTypeContextUsage EventType = "context_usage"
)

// Event is one parsed event from the stream.
type Event struct {
	Type EventType

	// Content is set for content events.
	Content string

	// Credits is set for usage events.
	Credits float64

	// Percentage is set for context_usage events.
	Percentage float64
}

// ToolCall is a completed tool invocation accumulated from the stream.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the function name and canonical JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// EventStreamParser consumes raw bytes and emits events. Tool-use frames are
// not emitted as events; they accumulate into completed tool calls retrieved
// via ToolCalls after the stream ends.
type EventStreamParser struct {
	buffer      string
	lastContent *string
	current     *ToolCall
	completed   []ToolCall
}

// NewEventStreamParser creates an empty parser.
func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{}
}

// Feed appends a chunk and returns all events completed by it. Chunks may be
// split at any byte boundary; incomplete objects stay buffered.
func (p *EventStreamParser) Feed(chunk []byte) []Event {
	p.buffer += string(chunk)

	var events []Event
	for {
		start := strings.IndexByte(p.buffer, '{')
		if start == -1 {
			// Nothing object-like; drop frame garbage.
			p.buffer = ""
			break
		}

		end := FindMatchingBrace(p.buffer, start)
		if end == -1 {
			// Object incomplete; keep from the opening brace on.
			p.buffer = p.buffer[start:]
			break
		}

		obj := p.buffer[start : end+1]
		p.buffer = p.buffer[end+1:]

		if !gjson.Valid(obj) {
			log.Debugf("Skipping non-JSON candidate: %.80s", obj)
			continue
		}

		if event := p.classify(obj); event != nil {
			events = append(events, *event)
		}
	}
	return events
}

// classify dispatches one embedded JSON object by key presence.
func (p *EventStreamParser) classify(obj string) *Event {
	if gjson.Get(obj, "followupPrompt").Exists() {
		return nil
	}

	if content := gjson.Get(obj, "content"); content.Exists() {
		text := content.String()
		// Kiro occasionally repeats a delta; suppress identical consecutive ones.
		if p.lastContent != nil && *p.lastContent == text {
			return nil
		}
		p.lastContent = &text
		return &Event{Type: EventTypeContent, Content: text}
	}

	name := gjson.Get(obj, "name")
	toolUseID := gjson.Get(obj, "toolUseId")
	if name.Exists() && toolUseID.Exists() {
		p.beginToolCall(obj, name.String(), toolUseID.String())
		return nil
	}

	if input := gjson.Get(obj, "input"); input.Exists() {
		if p.current != nil {
			p.current.Function.Arguments += inputFragment(input)
		}
		return nil
	}

	if stop := gjson.Get(obj, "stop"); stop.Exists() {
		if stop.Bool() && p.current != nil {
			p.finalizeCurrent()
		}
		return nil
	}

	if usage := gjson.Get(obj, "usage"); usage.Exists() {
		return &Event{Type: EventTypeUsage, Credits: usage.Float()}
	}

	if pct := gjson.Get(obj, "contextUsagePercentage"); pct.Exists() {
		return &Event{Type: EventTypeContextUsage, Percentage: pct.Float()}
	}

	return nil
}

func (p *EventStreamParser) beginToolCall(obj, name, toolUseID string) {
	if p.current != nil {
		p.finalizeCurrent()
	}

	p.current = &ToolCall{
		ID:   toolUseID,
		Type: "function",
		Function: ToolCallFunction{
			Name: name,
		},
	}
	if input := gjson.Get(obj, "input"); input.Exists() {
		p.current.Function.Arguments = inputFragment(input)
	}
	if gjson.Get(obj, "stop").Bool() {
		p.finalizeCurrent()
	}
}

// inputFragment renders a streamed input value as an argument fragment.
// Kiro streams tool input as JSON-string fragments; object values arrive
// whole and are re-serialised.
func inputFragment(input gjson.Result) string {
	if input.Type == gjson.String {
		return input.String()
	}
	return input.Raw
}

// finalizeCurrent canonicalises the in-progress call's arguments to a JSON
// string and appends it to the completed list.
func (p *EventStreamParser) finalizeCurrent() {
	if p.current == nil {
		return
	}

	p.current.Function.Arguments = canonicalArguments(p.current.Function.Arguments)
	if p.current.ID == "" {
		p.current.ID = utils.GenerateToolCallID()
	}
	p.completed = append(p.completed, *p.current)
	p.current = nil
}

// canonicalArguments re-serialises an argument accumulation to valid JSON,
// substituting "{}" for empty or unparseable input.
func canonicalArguments(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		log.Warnf("Unparseable tool arguments, substituting empty object: %.100s", args)
		return "{}"
	}
	out, _ := json.Marshal(parsed)
	return string(out)
}

// ToolCalls finalises any in-progress call and returns the deduplicated list.
func (p *EventStreamParser) ToolCalls() []ToolCall {
	if p.current != nil {
		p.finalizeCurrent()
	}
	return DeduplicateToolCalls(p.completed)
}

// Reset clears all parser state.
func (p *EventStreamParser) Reset() {
	p.buffer = ""
	p.lastContent = nil
	p.current = nil
	p.completed = nil
}

// FindMatchingBrace returns the index of the brace closing the object opened
// at startPos, or -1 when the object is incomplete. Quote-aware and
// escape-aware: braces inside strings do not affect depth, and \" does not
// close a string.
func FindMatchingBrace(text string, startPos int) int {
	if startPos >= len(text) || text[startPos] != '{' {
		return -1
	}

	depth := 0
	inString := false
	escaped := false

	for i := startPos; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var bracketCallPattern = regexp.MustCompile(`(?i)\[Called\s+(\w+)\s+with\s+args:\s*`)

// ParseBracketToolCalls scans response text for inline tool calls of the form
// [Called name with args: {...}]. Some models emit tool calls as text rather
// than structured frames; this lifts them into tool-call records.
func ParseBracketToolCalls(responseText string) []ToolCall {
	if responseText == "" || !strings.Contains(responseText, "[Called") {
		return nil
	}

	var calls []ToolCall
	for _, match := range bracketCallPattern.FindAllStringSubmatchIndex(responseText, -1) {
		funcName := responseText[match[2]:match[3]]

		jsonStart := strings.IndexByte(responseText[match[1]:], '{')
		if jsonStart == -1 {
			continue
		}
		jsonStart += match[1]

		jsonEnd := FindMatchingBrace(responseText, jsonStart)
		if jsonEnd == -1 {
			continue
		}

		raw := responseText[jsonStart : jsonEnd+1]
		var args interface{}
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			log.Warnf("Failed to parse inline tool call arguments: %.100s", raw)
			continue
		}
		argsJSON, _ := json.Marshal(args)

		calls = append(calls, ToolCall{
			Type: "function",
			Function: ToolCallFunction{
				Name:      funcName,
				Arguments: string(argsJSON),
			},
		})
	}
	return calls
}

// DeduplicateToolCalls removes duplicates. Records sharing an id keep the one
// with the longer non-empty arguments; id-less records deduplicate by the
// (name, arguments) pair.
func DeduplicateToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}

	byID := make(map[string]int)
	seen := make(map[string]bool)
	var unique []ToolCall

	for _, tc := range calls {
		if tc.ID != "" {
			if idx, ok := byID[tc.ID]; ok {
				existing := &unique[idx]
				if tc.Function.Arguments != "{}" &&
					(existing.Function.Arguments == "{}" ||
						len(tc.Function.Arguments) > len(existing.Function.Arguments)) {
					*existing = tc
				}
				continue
			}
			byID[tc.ID] = len(unique)
			unique = append(unique, tc)
			continue
		}

		key := fmt.Sprintf("%s\x00%s", tc.Function.Name, tc.Function.Arguments)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, tc)
	}

	if len(unique) != len(calls) {
		log.Debugf("Deduplicated tool calls: %d -> %d", len(calls), len(unique))
	}
	return unique
}
