// Package openai implements the OpenAI-compatible inbound dialect converter
// (C7): chat.completions request/response/stream-chunk shapes and their
// conversion to and from the canonical upstream request.
package openai

import (
	"encoding/json"
	"fmt"
)

// Message is one OpenAI chat message. Content may be a plain string or (for
// multimodal messages) a []ContentPart; ContentParts is populated by the
// request decoder when Content arrives as an array.
type Message struct {
	Role             string        `json:"role"`
	Content          string        `json:"content,omitempty"`
	ContentParts     []ContentPart `json:"-"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Name             string        `json:"name,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts content as either a bare string or a multimodal
// content-part array, since OpenAI's wire format overloads the field.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		Content json.RawMessage `json:"content"`
		*alias
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(aux.Content, &parts); err == nil {
		m.ContentParts = parts
		return nil
	}
	return fmt.Errorf("openai: message content: unsupported shape")
}

// ContentPart is one element of a multimodal message's content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a (possibly data:) URL for an inlined image.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is one assistant-emitted function call.
type ToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function FunctionCall  `json:"function"`
	Index    int           `json:"index,omitempty"`
}

// FunctionCall is the name+arguments pair inside a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is one caller-declared function tool.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is a tool's name/description/JSON-schema parameters.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormat selects plain text vs. forced JSON output.
type ResponseFormat struct {
	Type string `json:"type,omitempty"`
}

// ChatCompletionRequest is the subset of OpenAI's request this gateway
// understands.
type ChatCompletionRequest struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxTokens       *int            `json:"max_tokens,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	ThinkingBudget  *int            `json:"thinking_budget,omitempty"`
	ResponseFormat  *ResponseFormat `json:"response_format,omitempty"`
	Tools           []Tool          `json:"tools,omitempty"`
}

// Usage mirrors OpenAI's token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one non-stream completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionResponse is the non-stream (or shimmed) final response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Delta is the incremental content of one stream chunk choice.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one partial tool-call update within a stream chunk.
type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// ChunkChoice is one stream chunk's single choice.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one `chat.completion.chunk` SSE event.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ErrorBody is the dialect-shaped error envelope returned to callers.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the type/message/code triad spec.md §4.10 requires.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
