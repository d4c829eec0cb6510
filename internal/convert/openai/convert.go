package openai

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
	Project             string
	SessionID           string
	OperatorInstruction string
	OfficialPrompt      string
	OfficialFirst       bool
	DefaultThinkingBudget int
	Names               *toolname.Cache
}

// ConvertRequest maps an inbound OpenAI chat.completions request onto the
// canonical upstream request shape.
func ConvertRequest(in ChatCompletionRequest, rc RequestContext) (canonical.Request, error) {
	var systemRun []string
	contents := make([]canonical.Content, 0, len(in.Messages))

	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			systemRun = append(systemRun, flattenText(m))
			continue
		case "tool":
			contents = append(contents, canonical.Content{
				Role: "user",
				Parts: []canonical.Part{{
					FunctionResponse: &canonical.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     rc.Names.Original(m.ToolCallID),
						Response: json.RawMessage(`{"result":` + jsonString(m.Content) + `}`),
					},
				}},
			})
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := make([]canonical.Part, 0, 2)
		if text := flattenText(m); text != "" {
			parts = append(parts, canonical.Part{Text: text})
		}
		for _, cp := range m.ContentParts {
			if cp.Type == "image_url" && cp.ImageURL != nil {
				mime, data := splitDataURL(cp.ImageURL.URL)
				if data != "" {
					parts = append(parts, canonical.Part{InlineData: &canonical.InlineData{MimeType: mime, Data: data}})
				}
			}
		}
		for _, tc := range m.ToolCalls {
			alias := rc.Names.Alias(tc.Function.Name)
			parts = append(parts, canonical.Part{
				FunctionCall: &canonical.FunctionCall{
					ID:   tc.ID,
					Name: alias,
					Args: json.RawMessage(tc.Function.Arguments),
				},
			})
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

	merged := canonical.MergeSystemInstructions(strings.Join(systemRun, "\n\n"), rc.OperatorInstruction, rc.OfficialPrompt, rc.OfficialFirst)
	if merged != "" {
		req.SystemInstruction = &canonical.Content{Role: "user", Parts: []canonical.Part{{Text: merged}}}
	}

	if len(in.Tools) > 0 {
		decls := make([]canonical.FunctionDeclaration, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, canonical.FunctionDeclaration{
				Name:        rc.Names.Alias(t.Function.Name),
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		req.Tools = &canonical.Tools{FunctionDeclarations: decls}
	}

	gen := &canonical.GenerationConfig{Temperature: in.Temperature, TopP: in.TopP}
	if in.MaxTokens != nil {
		gen.MaxOutputTokens = *in.MaxTokens
	}
	if in.ResponseFormat != nil && in.ResponseFormat.Type == "json_object" {
		gen.ResponseMimeType = "application/json"
	}
	budget, ok := canonical.ReasoningBudgetFor(in.ReasoningEffort)
	switch {
	case in.ThinkingBudget != nil:
		gen.ThinkingConfig = canonical.NewThinkingConfig(*in.ThinkingBudget)
	case ok:
		gen.ThinkingConfig = canonical.NewThinkingConfig(budget)
	case rc.DefaultThinkingBudget > 0:
		gen.ThinkingConfig = canonical.NewThinkingConfig(rc.DefaultThinkingBudget)
	}
	req.GenerationConfig = gen

	return req, nil
}

func flattenText(m Message) string {
	if m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	for _, cp := range m.ContentParts {
		if cp.Type == "text" {
			b.WriteString(cp.Text)
		}
	}
	return b.String()
}

func splitDataURL(url string) (mime, data string) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", ""
	}
	rest := url[len(prefix):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", ""
	}
	return rest[:idx], rest[idx+len(";base64,"):]
}

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// ConvState tracks per-stream bookkeeping ConvertStreamChunk needs across
// calls (OpenAI's chunk protocol is stateful: the first chunk carries
// role="assistant", tool call indices must stay stable).
type ConvState struct {
	ID           string
	Model        string
	CreatedEpoch int64
	sentRole     bool
	toolIndex    map[string]int
	nextIndex    int
}

// NewConvState starts fresh per-stream bookkeeping.
func NewConvState(id, model string, createdEpoch int64) *ConvState {
	return &ConvState{ID: id, Model: model, CreatedEpoch: createdEpoch, toolIndex: make(map[string]int)}
}

// ConvertStreamChunk maps one relay.Event onto zero or more OpenAI stream
// chunks (usually exactly one).
func ConvertStreamChunk(ev relay.Event, st *ConvState) []ChatCompletionChunk {
	delta := Delta{}
	if !st.sentRole {
		delta.Role = "assistant"
		st.sentRole = true
	}
	if ev.ReasoningTextDelta != "" {
		delta.ReasoningContent = ev.ReasoningTextDelta
	}
	if ev.ContentTextDelta != "" {
		delta.Content = ev.ContentTextDelta
	}
	for _, td := range ev.ToolCallDeltas {
		idx, ok := st.toolIndex[td.CallID]
		if !ok {
			idx = st.nextIndex
			st.nextIndex++
			st.toolIndex[td.CallID] = idx
		}
		delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
			Index: idx,
			ID:    td.CallID,
			Type:  "function",
			Function: FunctionCall{
				Name:      td.Name,
				Arguments: td.ArgsDelta,
			},
		})
	}

	choice := ChunkChoice{Index: 0, Delta: delta}
	if ev.FinishReason != "" {
		choice.FinishReason = mapFinishReason(ev.FinishReason)
	}
	return []ChatCompletionChunk{{
		ID:      st.ID,
		Object:  "chat.completion.chunk",
		Created: st.CreatedEpoch,
		Model:   st.Model,
		Choices: []ChunkChoice{choice},
	}}
}

// ConvertFinalResponse maps a fully collected upstream stream onto a
// non-stream ChatCompletionResponse, used both for true non-stream calls and
// for shimming stream-only upstream behavior into a unary caller request.
func ConvertFinalResponse(id, model string, createdEpoch int64, names *toolname.Cache, collected relay.Collected) ChatCompletionResponse {
	msg := Message{Role: "assistant"}
	if collected.ContentText != "" {
		msg.Content = collected.ContentText
	}
	if collected.ReasoningText != "" {
		msg.ReasoningContent = collected.ReasoningText
	}
	for _, tc := range collected.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.CallID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	usage := Usage{}
	if collected.Usage != nil {
		usage.PromptTokens = collected.Usage.PromptTokenCount
		usage.CompletionTokens = collected.Usage.CandidatesTokenCount
		usage.TotalTokens = collected.Usage.TotalTokenCount
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdEpoch,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapFinishReason(collected.FinishReason),
		}},
		Usage: usage,
	}
}

func mapFinishReason(upstream string) string {
	switch upstream {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return "stop"
	}
}
