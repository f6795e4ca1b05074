package parser

import "strings"

// ThinkingState is the state of the reasoning FSM.
type ThinkingState int

const (
	// StatePreContent buffers the start of the response until a thinking tag
	// is confirmed or ruled out.
	StatePreContent ThinkingState = iota
	// StateInThinking accumulates thinking text until the close tag.
	StateInThinking
	// StateStreaming passes everything through as regular content.
	StateStreaming
)

// ThinkingResult is the split output of one Feed call.
type ThinkingResult struct {
	ThinkingContent string
	RegularContent  string
}

// ThinkingParser separates a leading thinking block (for example
// <thinking>...</thinking>) from the rest of an assistant response. It
// tolerates tags split across arbitrary chunk boundaries. One instance serves
// one response; not safe for concurrent use.
type ThinkingParser struct {
	state          ThinkingState
	openTags       []string
	bufferSize     int
	buffer         string
	thinkingBuffer string
	matchedOpen    string
	matchedClose   string
	maxTagLen      int
	foundBlock     bool
}

// NewThinkingParser creates a parser detecting the given open tags. The
// matching close tag is the open tag with "/" after "<". bufferSize bounds
// the pre-content buffer; past it the response is treated as regular content.
func NewThinkingParser(openTags []string, bufferSize int) *ThinkingParser {
	maxLen := 0
	for _, tag := range openTags {
		if len(tag) > maxLen {
			maxLen = len(tag)
		}
		if closeLen := len(tag) + 1; closeLen > maxLen {
			maxLen = closeLen
		}
	}
	return &ThinkingParser{
		state:      StatePreContent,
		openTags:   openTags,
		bufferSize: bufferSize,
		maxTagLen:  maxLen,
	}
}

// Feed consumes one content delta and returns the thinking and regular parts
// it releases. Either part may be empty.
func (t *ThinkingParser) Feed(chunk string) ThinkingResult {
	switch t.state {
	case StateStreaming:
		return ThinkingResult{RegularContent: chunk}
	case StatePreContent:
		return t.feedPreContent(chunk)
	default:
		return t.feedInThinking(chunk)
	}
}

func (t *ThinkingParser) feedPreContent(chunk string) ThinkingResult {
	t.buffer += chunk
	check := strings.TrimLeft(t.buffer, " \t\r\n")

	for _, tag := range t.openTags {
		if strings.HasPrefix(check, tag) {
			t.state = StateInThinking
			t.matchedOpen = tag
			t.matchedClose = "</" + tag[1:]
			t.foundBlock = true
			rest := check[len(tag):]
			t.buffer = ""
			if rest == "" {
				return ThinkingResult{}
			}
			return t.feedInThinking(rest)
		}
	}

	if len(check) < t.maxTagLen && len(t.buffer) <= t.bufferSize {
		for _, tag := range t.openTags {
			if strings.HasPrefix(tag, check) {
				// Could still grow into a tag; keep buffering.
				return ThinkingResult{}
			}
		}
	}

	// No tag at the start: release everything as regular content.
	t.state = StateStreaming
	out := t.buffer
	t.buffer = ""
	return ThinkingResult{RegularContent: out}
}

func (t *ThinkingParser) feedInThinking(chunk string) ThinkingResult {
	t.thinkingBuffer += chunk

	if idx := strings.Index(t.thinkingBuffer, t.matchedClose); idx != -1 {
		thinking := t.thinkingBuffer[:idx]
		rest := strings.TrimLeft(t.thinkingBuffer[idx+len(t.matchedClose):], " \t\r\n")
		t.thinkingBuffer = ""
		t.state = StateStreaming
		return ThinkingResult{ThinkingContent: thinking, RegularContent: rest}
	}

	// A close tag may straddle the chunk boundary; hold back enough bytes to
	// recognise it next feed.
	holdback := 2 * t.maxTagLen
	if len(t.thinkingBuffer) <= holdback {
		return ThinkingResult{}
	}
	release := t.thinkingBuffer[:len(t.thinkingBuffer)-holdback]
	t.thinkingBuffer = t.thinkingBuffer[len(t.thinkingBuffer)-holdback:]
	return ThinkingResult{ThinkingContent: release}
}

// Finalize flushes whatever is still buffered once the stream ends.
func (t *ThinkingParser) Finalize() ThinkingResult {
	switch t.state {
	case StateInThinking:
		out := t.thinkingBuffer
		t.thinkingBuffer = ""
		return ThinkingResult{ThinkingContent: out}
	case StatePreContent:
		out := t.buffer
		t.buffer = ""
		t.state = StateStreaming
		return ThinkingResult{RegularContent: out}
	default:
		return ThinkingResult{}
	}
}

// State returns the current FSM state.
func (t *ThinkingParser) State() ThinkingState { return t.state }

// FoundThinkingBlock reports whether a thinking block was detected.
func (t *ThinkingParser) FoundThinkingBlock() bool {
	return t.foundBlock
}

// OpenTag returns the matched open tag, or "" when none was found.
func (t *ThinkingParser) OpenTag() string { return t.matchedOpen }

// CloseTag returns the close tag matching the detected open tag.
func (t *ThinkingParser) CloseTag() string { return t.matchedClose }
