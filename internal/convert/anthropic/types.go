// Package anthropic implements the Anthropic-compatible inbound dialect
// converter (C7): /v1/messages request/response/stream-event shapes and
// their conversion to and from the canonical upstream request.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is one element of a Message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// UnmarshalJSON accepts a tool_result block's content as either a bare
// string or an array of text blocks, which real Anthropic clients send
// interchangeably; array blocks are concatenated.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	aux := struct {
		Content json.RawMessage `json:"content"`
		*alias
	}{alias: (*alias)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		b.Content = s
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(aux.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, sub := range blocks {
			if sub.Text != "" {
				parts = append(parts, sub.Text)
			}
		}
		b.Content = strings.Join(parts, "\n\n")
		return nil
	}
	return fmt.Errorf("anthropic: content_block content: unsupported shape")
}

// ImageSource is an inlined base64 image block's payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one turn in the conversation; Content may be a bare string
// (decoded into a single text block) or an array of ContentBlock.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"-"`
}

// UnmarshalJSON accepts content as either a bare string, decoded into a
// single text block, or the native content-block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		if s != "" {
			m.Content = []ContentBlock{{Type: "text", Text: s}}
		}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(aux.Content, &blocks); err != nil {
		return fmt.Errorf("anthropic: message content: %w", err)
	}
	m.Content = blocks
	return nil
}

// Tool is one caller-declared tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesRequest is the subset of Anthropic's /v1/messages body this
// gateway understands.
type MessagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"-"`
	System      string    `json:"-"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
}

// UnmarshalJSON accepts system as either a bare string or (as Anthropic's
// wire format also allows) an array of text blocks, joined with a blank
// line between them.
func (r *MessagesRequest) UnmarshalJSON(data []byte) error {
	type alias MessagesRequest
	aux := struct {
		Messages json.RawMessage `json:"messages"`
		System   json.RawMessage `json:"system"`
		*alias
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Messages) > 0 && string(aux.Messages) != "null" {
		var msgs []Message
		if err := json.Unmarshal(aux.Messages, &msgs); err != nil {
			return fmt.Errorf("anthropic: messages: %w", err)
		}
		r.Messages = msgs
	}
	if len(aux.System) > 0 && string(aux.System) != "null" {
		var s string
		if err := json.Unmarshal(aux.System, &s); err == nil {
			r.System = s
		} else {
			var blocks []ContentBlock
			if err := json.Unmarshal(aux.System, &blocks); err != nil {
				return fmt.Errorf("anthropic: system: unsupported shape")
			}
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			r.System = strings.Join(parts, "\n\n")
		}
	}
	return nil
}

// Thinking toggles extended reasoning and its token budget.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Usage mirrors Anthropic's token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the non-stream final response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// StreamEvent is one Anthropic SSE event envelope; Event names the SSE
// `event:` line and Data is marshaled separately as the `data:` line.
type StreamEvent struct {
	Event string
	Data  interface{}
}

// MessageStart is the first event of a stream.
type MessageStart struct {
	Type    string            `json:"type"`
	Message MessagesResponse  `json:"message"`
}

// ContentBlockStart opens a new content block at Index.
type ContentBlockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlockDelta carries incremental text/json/signature updates.
type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is the payload of one content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ContentBlockStop closes a content block.
type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDelta carries the terminal stop_reason plus usage update.
type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

// MessageDeltaBody is the stop_reason payload of a message_delta event.
type MessageDeltaBody struct {
	StopReason string `json:"stop_reason"`
}

// MessageStop is the terminal event of a stream.
type MessageStop struct {
	Type string `json:"type"`
}

// ErrorBody is the dialect-shaped error envelope returned to callers.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the type/message pair Anthropic's error shape uses.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
