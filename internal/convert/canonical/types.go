// Package canonical defines the single upstream "code-assist" wire dialect
// that every inbound protocol converter (C7) targets, plus the
// dialect-independent normalization rules spec.md §4.7 calls out as common
// to all three inbound dialects.
package canonical

import "encoding/json"

// Part is the polymorphic building block of a Content entry. Only one of
// Text/FunctionCall/FunctionResponse/InlineData is normally set per part,
// mirroring the upstream's own discriminated-by-presence part shape.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// FunctionCall is one upstream tool invocation.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back upstream.
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// InlineData is a base64 blob with a mime type, used for images both
// inbound (user-supplied) and outbound (model-generated).
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is one turn: a role plus an ordered list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// FunctionDeclaration is one upstream tool definition.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tools wraps the upstream's single functionDeclarations array.
type Tools struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// ThinkingConfig controls the upstream's hidden reasoning trace. Budget is a
// pointer so an explicit 0 (disable thinking) survives marshaling instead of
// being dropped by omitempty alongside an absent budget.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

// NewThinkingConfig builds a ThinkingConfig for budget, treating an explicit
// 0 as "disable thinking" rather than "no opinion" per the upstream's wire
// contract.
func NewThinkingConfig(budget int) *ThinkingConfig {
	if budget == 0 {
		return &ThinkingConfig{IncludeThoughts: false, ThinkingBudget: intPtr(0)}
	}
	return &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: intPtr(budget)}
}

func intPtr(v int) *int { return &v }

// GenerationConfig is the upstream's sampling + output-shape knob set.
type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *float64        `json:"topK,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
}

// Request is the canonical upstream request every dialect converts into.
type Request struct {
	Model             string            `json:"model"`
	Project           string            `json:"project,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             *Tools            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// UsageMetadata mirrors the upstream's token accounting block.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// Candidate is one upstream response candidate (only index 0 is ever used).
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
	Index        int      `json:"index,omitempty"`
}

// StreamEvent is one parsed `data:` line from the upstream SSE stream, or
// the unary response body.
type StreamEvent struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// ReasoningBudgetFor maps an OpenAI-style reasoning_effort label to a
// thinking-token budget, per spec.md §4.7. Unknown labels return ok=false so
// callers can fall back to an explicit budget or the config default.
func ReasoningBudgetFor(effort string) (int, bool) {
	switch effort {
	case "low":
		return 1024, true
	case "medium":
		return 16000, true
	case "high":
		return 32000, true
	default:
		return 0, false
	}
}

// MergeSystemInstructions composes the caller-supplied leading system-role
// run (already concatenated by the per-dialect extractor) with the
// operator-configured instruction and the operator's optional "official"
// prompt, in the order configured. Either operator half is skipped when
// empty.
func MergeSystemInstructions(callerSystem, operatorInstruction, officialPrompt string, officialFirst bool) string {
	parts := make([]string, 0, 3)
	operatorHalf := make([]string, 0, 2)
	if officialFirst {
		if officialPrompt != "" {
			operatorHalf = append(operatorHalf, officialPrompt)
		}
		if operatorInstruction != "" {
			operatorHalf = append(operatorHalf, operatorInstruction)
		}
	} else {
		if operatorInstruction != "" {
			operatorHalf = append(operatorHalf, operatorInstruction)
		}
		if officialPrompt != "" {
			operatorHalf = append(operatorHalf, officialPrompt)
		}
	}
	if callerSystem != "" {
		parts = append(parts, callerSystem)
	}
	parts = append(parts, operatorHalf...)

	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
