// Package stream orchestrates one chat-completion request end to end: it
// drives the HTTP client, parses the Kiro response stream, enforces the
// first-token deadline, and emits OpenAI-shaped output.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiro-gateway/client"
	"kiro-gateway/config"
	"kiro-gateway/converter"
	"kiro-gateway/model"
	"kiro-gateway/parser"
	"kiro-gateway/utils"

	log "github.com/sirupsen/logrus"
)

// FirstTokenTimeoutError signals that the upstream produced no event within
// the deadline on every attempt. Maps to HTTP 504.
type FirstTokenTimeoutError struct {
	Timeout float64
}

func (e *FirstTokenTimeoutError) Error() string {
	return fmt.Sprintf("Streaming failed: first token timeout (%gs)", e.Timeout)
}

// UpstreamStatusError carries a non-2xx upstream response through to the
// router.
type UpstreamStatusError struct {
	Status int
	Body   string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("Kiro API returned %d: %s", e.Status, e.Body)
}

// EventKind classifies translator-level events.
type EventKind int

const (
	EventContent EventKind = iota
	EventThinking
	EventToolCalls
	EventUsage
	EventContextUsage
)

// StreamEvent is one translated event from the upstream response.
type StreamEvent struct {
	Kind EventKind

	Content string

	Thinking      string
	ThinkingFirst bool
	ThinkingLast  bool
	OpenTag       string
	CloseTag      string

	ToolCalls []parser.ToolCall

	Credits    float64
	Percentage float64
}

// Translator runs chat-completion requests against Kiro. Safe for concurrent
// use; per-request state lives in the streams it opens.
type Translator struct {
	cfg        *config.Config
	client     *client.Client
	modelCache *model.Cache
}

// NewTranslator creates a translator.
func NewTranslator(cfg *config.Config, cl *client.Client, cache *model.Cache) *Translator {
	return &Translator{cfg: cfg, client: cl, modelCache: cache}
}

// upstreamStream is an open upstream response whose first event has already
// arrived (or which ended empty).
type upstreamStream struct {
	resp   *http.Response
	events <-chan StreamEvent
	errs   <-chan error
	first  *StreamEvent
}

// open issues the request and waits for the first parsed event under the
// first-token deadline. Each deadline miss closes the response and re-issues
// the request, consuming one unit of the retry budget.
func (t *Translator) open(ctx context.Context, url string, payload *converter.KiroPayload) (*upstreamStream, error) {
	deadline := time.Duration(t.cfg.FirstTokenTimeout * float64(time.Second))

	for attempt := 0; attempt < t.cfg.FirstTokenMaxRetries; attempt++ {
		resp, err := t.client.PostStream(ctx, url, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body := client.ReadErrorBody(resp)
			resp.Body.Close()
			return nil, &UpstreamStatusError{Status: resp.StatusCode, Body: body}
		}

		events, errs := t.parseStream(resp)
		timer := time.NewTimer(deadline)

		select {
		case ev, ok := <-events:
			timer.Stop()
			if !ok {
				// Stream ended without events: an empty but valid response.
				return &upstreamStream{resp: resp, events: events, errs: errs}, nil
			}
			return &upstreamStream{resp: resp, events: events, errs: errs, first: &ev}, nil

		case err := <-errs:
			timer.Stop()
			resp.Body.Close()
			log.Warnf("Stream attempt %d/%d failed before first token: %v",
				attempt+1, t.cfg.FirstTokenMaxRetries, err)
			continue

		case <-timer.C:
			resp.Body.Close()
			log.Warnf("No first token within %gs (attempt %d/%d), retrying",
				t.cfg.FirstTokenTimeout, attempt+1, t.cfg.FirstTokenMaxRetries)
			continue

		case <-ctx.Done():
			timer.Stop()
			resp.Body.Close()
			return nil, ctx.Err()
		}
	}

	return nil, &FirstTokenTimeoutError{Timeout: t.cfg.FirstTokenTimeout}
}

// parseStream reads the response body, feeds the event-stream parser, routes
// content through the thinking FSM, and emits translated events. After the
// body ends it runs the bracket-style fallback over the full text and emits
// the deduplicated tool calls as one final event.
func (t *Translator) parseStream(resp *http.Response) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		awsParser := parser.NewEventStreamParser()

		var thinking *parser.ThinkingParser
		if t.cfg.FakeReasoningEnabled {
			thinking = parser.NewThinkingParser(t.cfg.FakeReasoningOpenTags, t.cfg.FakeReasoningBufferSize)
		}

		var fullText strings.Builder
		emittedThinking := false

		emitContent := func(text string) {
			if thinking == nil {
				events <- StreamEvent{Kind: EventContent, Content: text}
				return
			}
			result := thinking.Feed(text)
			if result.ThinkingContent != "" {
				ev := StreamEvent{
					Kind:          EventThinking,
					Thinking:      result.ThinkingContent,
					ThinkingFirst: !emittedThinking,
					ThinkingLast:  thinking.State() == parser.StateStreaming,
					OpenTag:       thinking.OpenTag(),
					CloseTag:      thinking.CloseTag(),
				}
				emittedThinking = true
				events <- ev
			}
			if result.RegularContent != "" {
				events <- StreamEvent{Kind: EventContent, Content: result.RegularContent}
			}
		}

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, ev := range awsParser.Feed(buf[:n]) {
					switch ev.Type {
					case parser.EventTypeContent:
						fullText.WriteString(ev.Content)
						emitContent(ev.Content)
					case parser.EventTypeUsage:
						events <- StreamEvent{Kind: EventUsage, Credits: ev.Credits}
					case parser.EventTypeContextUsage:
						events <- StreamEvent{Kind: EventContextUsage, Percentage: ev.Percentage}
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- err
					return
				}
				break
			}
		}

		if thinking != nil {
			final := thinking.Finalize()
			if final.ThinkingContent != "" {
				events <- StreamEvent{
					Kind:          EventThinking,
					Thinking:      final.ThinkingContent,
					ThinkingFirst: !emittedThinking,
					ThinkingLast:  true,
					OpenTag:       thinking.OpenTag(),
					CloseTag:      thinking.CloseTag(),
				}
			}
			if final.RegularContent != "" {
				events <- StreamEvent{Kind: EventContent, Content: final.RegularContent}
			}
		}

		toolCalls := awsParser.ToolCalls()
		if bracket := parser.ParseBracketToolCalls(fullText.String()); len(bracket) > 0 {
			toolCalls = parser.DeduplicateToolCalls(append(toolCalls, bracket...))
		}
		if len(toolCalls) > 0 {
			events <- StreamEvent{Kind: EventToolCalls, ToolCalls: toolCalls}
		}
	}()

	return events, errs
}

// Stream runs the streaming flow. The returned channel carries fully-formed
// SSE frames ("data: {json}\n\n") and ends with "data: [DONE]\n\n". Errors
// before the first frame are returned directly; errors after it terminate the
// stream with a synthetic stop chunk.
func (t *Translator) Stream(ctx context.Context, url string, payload *converter.KiroPayload, externalModel string) (<-chan string, error) {
	us, err := t.open(ctx, url, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan string, 100)
	go t.emitSSE(ctx, us, externalModel, out)
	return out, nil
}

func (t *Translator) emitSSE(ctx context.Context, us *upstreamStream, externalModel string, out chan<- string) {
	defer close(out)
	defer us.resp.Body.Close()

	completionID := utils.GenerateCompletionID()
	created := time.Now().Unix()
	hasToolCalls := false

	send := func(chunk converter.ChatCompletionChunk) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			log.Errorf("Failed to marshal SSE chunk: %v", err)
			return true
		}
		select {
		case out <- "data: " + string(data) + "\n\n":
			return true
		case <-ctx.Done():
			// Client went away; stop quietly.
			return false
		}
	}

	newChunk := func(delta converter.Delta) converter.ChatCompletionChunk {
		return converter.ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   externalModel,
			Choices: []converter.ChunkChoice{{Index: 0, Delta: delta}},
		}
	}

	if !send(newChunk(converter.Delta{Role: "assistant"})) {
		return
	}

	handle := func(ev StreamEvent) bool {
		switch ev.Kind {
		case EventContent:
			if ev.Content == "" {
				return true
			}
			return send(newChunk(converter.Delta{Content: ev.Content}))

		case EventThinking:
			delta, ok := t.thinkingDelta(ev)
			if !ok {
				return true
			}
			return send(newChunk(delta))

		case EventToolCalls:
			hasToolCalls = true
			calls := make([]converter.ResponseToolCall, 0, len(ev.ToolCalls))
			for i, tc := range ev.ToolCalls {
				idx := i
				calls = append(calls, responseToolCall(tc, &idx))
			}
			return send(newChunk(converter.Delta{ToolCalls: calls}))
		}
		return true
	}

	if us.first != nil {
		if !handle(*us.first) {
			return
		}
	}

	for {
		select {
		case ev, ok := <-us.events:
			if !ok {
				reason := "stop"
				if hasToolCalls {
					reason = "tool_calls"
				}
				finish := newChunk(converter.Delta{})
				finish.Choices[0].FinishReason = &reason
				if send(finish) {
					select {
					case out <- "data: [DONE]\n\n":
					case <-ctx.Done():
					}
				}
				return
			}
			if !handle(ev) {
				return
			}

		case err := <-us.errs:
			if err != nil {
				// Mid-stream failure: end the SSE stream cleanly rather than
				// surfacing an exception to the client.
				log.Errorf("Stream error (%T): %v", err, err)
				reason := "stop"
				finish := newChunk(converter.Delta{})
				finish.Choices[0].FinishReason = &reason
				if send(finish) {
					select {
					case out <- "data: [DONE]\n\n":
					case <-ctx.Done():
					}
				}
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// thinkingDelta applies the configured handling mode to one thinking event.
// The second return value is false when the event should be dropped.
func (t *Translator) thinkingDelta(ev StreamEvent) (converter.Delta, bool) {
	switch t.cfg.FakeReasoningHandling {
	case "remove":
		return converter.Delta{}, false
	case "pass":
		text := ev.Thinking
		if ev.ThinkingFirst {
			text = ev.OpenTag + text
		}
		if ev.ThinkingLast {
			text += ev.CloseTag
		}
		return converter.Delta{Content: text}, true
	case "strip_tags":
		return converter.Delta{Content: ev.Thinking}, true
	default: // as_reasoning_content
		return converter.Delta{ReasoningContent: ev.Thinking}, true
	}
}

// Complete runs the non-streaming flow: the same pipeline, collected into a
// single chat.completion envelope.
func (t *Translator) Complete(ctx context.Context, url string, payload *converter.KiroPayload, externalModel string) (*converter.ChatCompletion, error) {
	us, err := t.open(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	defer us.resp.Body.Close()

	var content, reasoning strings.Builder
	var toolCalls []parser.ToolCall
	var contextPercent *float64

	collect := func(ev StreamEvent) {
		switch ev.Kind {
		case EventContent:
			content.WriteString(ev.Content)
		case EventThinking:
			switch t.cfg.FakeReasoningHandling {
			case "remove":
			case "pass":
				if ev.ThinkingFirst {
					content.WriteString(ev.OpenTag)
				}
				content.WriteString(ev.Thinking)
				if ev.ThinkingLast {
					content.WriteString(ev.CloseTag)
				}
			case "strip_tags":
				content.WriteString(ev.Thinking)
			default:
				reasoning.WriteString(ev.Thinking)
			}
		case EventToolCalls:
			toolCalls = ev.ToolCalls
		case EventContextUsage:
			pct := ev.Percentage
			contextPercent = &pct
		}
	}

	if us.first != nil {
		collect(*us.first)
	}

	for {
		select {
		case ev, ok := <-us.events:
			if !ok {
				return t.buildCompletion(externalModel, content.String(), reasoning.String(), toolCalls, contextPercent), nil
			}
			collect(ev)

		case err := <-us.errs:
			if err != nil {
				return nil, err
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Translator) buildCompletion(externalModel, content, reasoning string, toolCalls []parser.ToolCall, contextPercent *float64) *converter.ChatCompletion {
	message := converter.ResponseMessage{
		Role:             "assistant",
		Content:          content,
		ReasoningContent: reasoning,
	}
	// No index field in non-streaming tool calls.
	for _, tc := range toolCalls {
		message.ToolCalls = append(message.ToolCalls, responseToolCall(tc, nil))
	}

	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}

	return &converter.ChatCompletion{
		ID:      utils.GenerateCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   externalModel,
		Choices: []converter.CompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: t.calculateUsage(externalModel, content, contextPercent),
	}
}

// calculateUsage derives token counts from the context-usage percentage and
// the model's input limit. Completion tokens are a character-based estimate.
func (t *Translator) calculateUsage(externalModel, content string, contextPercent *float64) *converter.Usage {
	completionTokens := len(content) / 4

	if contextPercent != nil && *contextPercent > 0 {
		maxInput := t.modelCache.GetMaxInputTokens(t.cfg.InternalModelID(externalModel))
		totalTokens := int(*contextPercent / 100 * float64(maxInput))
		promptTokens := totalTokens - completionTokens
		if promptTokens < 0 {
			promptTokens = 0
		}
		return &converter.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		}
	}

	return &converter.Usage{
		CompletionTokens: completionTokens,
		TotalTokens:      completionTokens,
	}
}

func responseToolCall(tc parser.ToolCall, index *int) converter.ResponseToolCall {
	name := tc.Function.Name
	arguments := tc.Function.Arguments
	if arguments == "" {
		arguments = "{}"
	}
	id := tc.ID
	if id == "" {
		id = utils.GenerateToolCallID()
	}
	return converter.ResponseToolCall{
		Index: index,
		ID:    id,
		Type:  "function",
		Function: converter.ToolCallFunction{
			Name:      name,
			Arguments: arguments,
		},
	}
}
