// Package gemini implements the Gemini-compatible inbound dialect converter
// (C7). Because the canonical upstream dialect already IS Gemini's
// generateContent shape, this converter is close to a passthrough: its job
// is mostly request-scoping (project/session/tool-name rewriting) and
// merging the system instruction.
package gemini

import "github.com/relayforge/codeassist-gateway/internal/convert/canonical"

// GenerateContentRequest is the inbound Gemini request body.
type GenerateContentRequest struct {
	Contents          []canonical.Content         `json:"contents"`
	SystemInstruction *canonical.Content          `json:"systemInstruction,omitempty"`
	Tools             []canonical.Tools           `json:"tools,omitempty"`
	GenerationConfig  *canonical.GenerationConfig `json:"generationConfig,omitempty"`
}

// GenerateContentResponse is the non-stream final response, identical in
// shape to the upstream's own StreamEvent envelope.
type GenerateContentResponse struct {
	Candidates    []canonical.Candidate     `json:"candidates"`
	UsageMetadata *canonical.UsageMetadata  `json:"usageMetadata,omitempty"`
}
