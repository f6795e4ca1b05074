package converter

// Kiro conversation payload, as accepted by generateAssistantResponse.

// KiroPayload is the top-level request body.
type KiroPayload struct {
	ConversationState KiroConversationState `json:"conversationState"`
	ProfileArn        string                `json:"profileArn,omitempty"`
}

// KiroConversationState holds the conversation id, current message, and
// alternating history.
type KiroConversationState struct {
	ChatTriggerType string             `json:"chatTriggerType"`
	ConversationID  string             `json:"conversationId"`
	CurrentMessage  KiroCurrentMessage `json:"currentMessage"`
	History         []KiroHistoryEntry `json:"history,omitempty"`
}

// KiroCurrentMessage wraps the current user input.
type KiroCurrentMessage struct {
	UserInputMessage KiroUserInputMessage `json:"userInputMessage"`
}

// KiroHistoryEntry is one history item; exactly one field is set.
type KiroHistoryEntry struct {
	UserInputMessage         *KiroUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *KiroAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// KiroUserInputMessage is a user turn.
type KiroUserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *KiroUserInputMsgContext `json:"userInputMessageContext,omitempty"`
}

// KiroUserInputMsgContext carries tool definitions and tool results.
type KiroUserInputMsgContext struct {
	Tools       []KiroTool       `json:"tools,omitempty"`
	ToolResults []KiroToolResult `json:"toolResults,omitempty"`
}

// KiroTool wraps a tool specification.
type KiroTool struct {
	ToolSpecification KiroToolSpecification `json:"toolSpecification"`
}

// KiroToolSpecification describes one callable tool.
type KiroToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema KiroInputSchema `json:"inputSchema"`
}

// KiroInputSchema wraps the tool's JSON Schema.
type KiroInputSchema struct {
	JSON map[string]interface{} `json:"json"`
}

// KiroToolResult reports the outcome of one tool invocation.
type KiroToolResult struct {
	Content   []KiroToolResultContent `json:"content"`
	Status    string                  `json:"status"`
	ToolUseID string                  `json:"toolUseId"`
}

// KiroToolResultContent is one text block of a tool result.
type KiroToolResultContent struct {
	Text string `json:"text"`
}

// KiroAssistantResponseMessage is an assistant turn in history.
type KiroAssistantResponseMessage struct {
	Content  string        `json:"content"`
	ToolUses []KiroToolUse `json:"toolUses,omitempty"`
}

// KiroToolUse records a tool invocation made by the assistant.
type KiroToolUse struct {
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	ToolUseID string                 `json:"toolUseId"`
}
