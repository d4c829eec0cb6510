package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/relayforge/codeassist-gateway/internal/convert/canonical"
	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

// RequestContext carries the operator-side knobs ConvertRequest needs beyond
// what the inbound JSON body itself supplies.
type RequestContext struct {
	Project               string
	SessionID             string
	OperatorInstruction   string
	OfficialPrompt        string
	OfficialFirst         bool
	DefaultThinkingBudget int
	Names                 *toolname.Cache
}

// ConvertRequest maps an inbound Anthropic /v1/messages request onto the
// canonical upstream request shape.
func ConvertRequest(in MessagesRequest, rc RequestContext) (canonical.Request, error) {
	contents := make([]canonical.Content, 0, len(in.Messages))
	for _, m := range in.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := make([]canonical.Part, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				parts = append(parts, canonical.Part{Text: b.Text})
			case "image":
				if b.Source != nil {
					parts = append(parts, canonical.Part{InlineData: &canonical.InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
				}
			case "tool_use":
				parts = append(parts, canonical.Part{FunctionCall: &canonical.FunctionCall{
					ID:   b.ID,
					Name: rc.Names.Alias(b.Name),
					Args: json.RawMessage(b.Input),
				}})
			case "tool_result":
				parts = append(parts, canonical.Part{FunctionResponse: &canonical.FunctionResponse{
					ID:       b.ToolUseID,
					Name:     rc.Names.Original(b.ToolUseID),
					Response: json.RawMessage(`{"result":` + jsonString(b.Content) + `}`),
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, canonical.Content{Role: role, Parts: parts})
	}

	req := canonical.Request{
		Model:     in.Model,
		Project:   rc.Project,
		SessionID: rc.SessionID,
		Contents:  contents,
	}

	merged := canonical.MergeSystemInstructions(in.System, rc.OperatorInstruction, rc.OfficialPrompt, rc.OfficialFirst)
	if merged != "" {
		req.SystemInstruction = &canonical.Content{Role: "user", Parts: []canonical.Part{{Text: merged}}}
	}

	if len(in.Tools) > 0 {
		decls := make([]canonical.FunctionDeclaration, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, canonical.FunctionDeclaration{
				Name:        rc.Names.Alias(t.Name),
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		req.Tools = &canonical.Tools{FunctionDeclarations: decls}
	}

	gen := &canonical.GenerationConfig{Temperature: in.Temperature, TopP: in.TopP, MaxOutputTokens: in.MaxTokens}
	switch {
	case in.Thinking != nil && in.Thinking.Type == "enabled":
		budget := in.Thinking.BudgetTokens
		if budget == 0 {
			budget = rc.DefaultThinkingBudget
		}
		gen.ThinkingConfig = canonical.NewThinkingConfig(budget)
	case rc.DefaultThinkingBudget > 0:
		gen.ThinkingConfig = canonical.NewThinkingConfig(rc.DefaultThinkingBudget)
	}
	req.GenerationConfig = gen

	return req, nil
}

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// blockKind enumerates the open content_block types StreamConverter tracks.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamConverter assembles relay.Events into Anthropic's indexed
// content_block_start/delta/stop event sequence, mirroring the teacher's
// toolBuf-keyed accumulation but driven off dialect-independent events.
type StreamConverter struct {
	id        string
	model     string
	started   bool
	nextIndex int
	current   blockKind
	curIndex  int
	toolIndex map[string]int
	names     *toolname.Cache
}

// NewStreamConverter starts fresh per-stream bookkeeping.
func NewStreamConverter(id, model string, names *toolname.Cache) *StreamConverter {
	return &StreamConverter{id: id, model: model, toolIndex: make(map[string]int), names: names}
}

// Convert maps one relay.Event onto zero or more Anthropic SSE events.
func (c *StreamConverter) Convert(ev relay.Event) []StreamEvent {
	var out []StreamEvent
	if !c.started {
		c.started = true
		out = append(out, StreamEvent{Event: "message_start", Data: MessageStart{
			Type: "message_start",
			Message: MessagesResponse{
				ID:    c.id,
				Type:  "message",
				Role:  "assistant",
				Model: c.model,
			},
		}})
	}

	if ev.ReasoningTextDelta != "" {
		out = append(out, c.openBlock(blockThinking, ContentBlock{Type: "thinking"})...)
		out = append(out, StreamEvent{Event: "content_block_delta", Data: ContentBlockDelta{
			Type: "content_block_delta", Index: c.curIndex,
			Delta: Delta{Type: "thinking_delta", Text: ev.ReasoningTextDelta},
		}})
	}
	if ev.ReasoningSignature != "" && c.current == blockThinking {
		out = append(out, StreamEvent{Event: "content_block_delta", Data: ContentBlockDelta{
			Type: "content_block_delta", Index: c.curIndex,
			Delta: Delta{Type: "signature_delta", Signature: ev.ReasoningSignature},
		}})
	}
	if ev.ContentTextDelta != "" {
		out = append(out, c.openBlock(blockText, ContentBlock{Type: "text"})...)
		out = append(out, StreamEvent{Event: "content_block_delta", Data: ContentBlockDelta{
			Type: "content_block_delta", Index: c.curIndex,
			Delta: Delta{Type: "text_delta", Text: ev.ContentTextDelta},
		}})
	}
	for _, td := range ev.ToolCallDeltas {
		out = append(out, c.openToolBlock(td.CallID, td.Name)...)
		if td.ArgsDelta != "" {
			out = append(out, StreamEvent{Event: "content_block_delta", Data: ContentBlockDelta{
				Type: "content_block_delta", Index: c.toolIndex[td.CallID],
				Delta: Delta{Type: "input_json_delta", PartialJSON: td.ArgsDelta},
			}})
		}
	}
	for _, url := range ev.ImageURLs {
		out = append(out, c.closeCurrent()...)
		idx := c.nextIndex
		c.nextIndex++
		out = append(out, StreamEvent{Event: "content_block_start", Data: ContentBlockStart{
			Type: "content_block_start", Index: idx,
			ContentBlock: ContentBlock{Type: "text", Text: url},
		}})
		out = append(out, StreamEvent{Event: "content_block_stop", Data: ContentBlockStop{Type: "content_block_stop", Index: idx}})
	}

	if ev.FinishReason != "" {
		out = append(out, c.closeCurrent()...)
		out = append(out, StreamEvent{Event: "message_delta", Data: MessageDelta{
			Type:  "message_delta",
			Delta: MessageDeltaBody{StopReason: mapStopReason(ev.FinishReason)},
			Usage: usageFrom(ev.UsageMetadata),
		}})
		out = append(out, StreamEvent{Event: "message_stop", Data: MessageStop{Type: "message_stop"}})
	}
	return out
}

func (c *StreamConverter) openBlock(kind blockKind, block ContentBlock) []StreamEvent {
	if c.current == kind {
		return nil
	}
	var out []StreamEvent
	out = append(out, c.closeCurrent()...)
	c.current = kind
	c.curIndex = c.nextIndex
	c.nextIndex++
	out = append(out, StreamEvent{Event: "content_block_start", Data: ContentBlockStart{
		Type: "content_block_start", Index: c.curIndex, ContentBlock: block,
	}})
	return out
}

func (c *StreamConverter) openToolBlock(callID, name string) []StreamEvent {
	if idx, ok := c.toolIndex[callID]; ok {
		if c.current == blockToolUse && c.curIndex == idx {
			return nil
		}
	}
	var out []StreamEvent
	out = append(out, c.closeCurrent()...)
	idx := c.nextIndex
	c.nextIndex++
	c.toolIndex[callID] = idx
	c.current = blockToolUse
	c.curIndex = idx
	out = append(out, StreamEvent{Event: "content_block_start", Data: ContentBlockStart{
		Type: "content_block_start", Index: idx,
		ContentBlock: ContentBlock{Type: "tool_use", ID: callID, Name: name},
	}})
	return out
}

func (c *StreamConverter) closeCurrent() []StreamEvent {
	if c.current == blockNone {
		return nil
	}
	out := []StreamEvent{{Event: "content_block_stop", Data: ContentBlockStop{Type: "content_block_stop", Index: c.curIndex}}}
	c.current = blockNone
	return out
}

func usageFrom(u *canonical.UsageMetadata) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
}

func mapStopReason(upstream string) string {
	switch upstream {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// ConvertFinalResponse maps a fully collected upstream stream onto a
// non-stream MessagesResponse.
func ConvertFinalResponse(id, model string, names *toolname.Cache, collected relay.Collected) MessagesResponse {
	var blocks []ContentBlock
	if collected.ReasoningText != "" {
		blocks = append(blocks, ContentBlock{Type: "thinking", Text: collected.ReasoningText})
	}
	if collected.ContentText != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: collected.ContentText})
	}
	for _, tc := range collected.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.CallID,
			Name:  tc.Name,
			Input: json.RawMessage(orEmptyObject(tc.Arguments)),
		})
	}
	return MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: mapStopReason(collected.FinishReason),
		Usage:      usageFrom(collected.Usage),
	}
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
