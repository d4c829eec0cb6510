package gemini

import (
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
	Names               *toolname.Cache
}

// ConvertRequest rewrites tool names through the reversible alias cache and
// stamps project/session scoping; the contents/generationConfig shape
// otherwise passes straight through since it already matches the upstream
// dialect.
func ConvertRequest(in GenerateContentRequest, model string, rc RequestContext) canonical.Request {
	contents := make([]canonical.Content, len(in.Contents))
	for i, c := range in.Contents {
		parts := make([]canonical.Part, len(c.Parts))
		for j, p := range c.Parts {
			if p.FunctionCall != nil {
				fc := *p.FunctionCall
				fc.Name = rc.Names.Alias(fc.Name)
				p.FunctionCall = &fc
			}
			if p.FunctionResponse != nil {
				fr := *p.FunctionResponse
				fr.Name = rc.Names.Original(fr.ID)
				p.FunctionResponse = &fr
			}
			parts[j] = p
		}
		contents[i] = canonical.Content{Role: c.Role, Parts: parts}
	}

	req := canonical.Request{
		Model:            model,
		Project:          rc.Project,
		SessionID:        rc.SessionID,
		Contents:         contents,
		GenerationConfig: in.GenerationConfig,
	}

	callerSystem := ""
	if in.SystemInstruction != nil {
		for _, p := range in.SystemInstruction.Parts {
			callerSystem += p.Text
		}
	}
	merged := canonical.MergeSystemInstructions(callerSystem, rc.OperatorInstruction, rc.OfficialPrompt, rc.OfficialFirst)
	if merged != "" {
		req.SystemInstruction = &canonical.Content{Role: "user", Parts: []canonical.Part{{Text: merged}}}
	}

	if len(in.Tools) > 0 {
		decls := make([]canonical.FunctionDeclaration, 0)
		for _, t := range in.Tools {
			for _, d := range t.FunctionDeclarations {
				d.Name = rc.Names.Alias(d.Name)
				decls = append(decls, d)
			}
		}
		req.Tools = &canonical.Tools{FunctionDeclarations: decls}
	}
	return req
}

// ConvertStreamEvent maps one relay.Event back onto the Gemini wire shape
// callers expect from streamGenerateContent.
func ConvertStreamEvent(ev relay.Event, names *toolname.Cache) GenerateContentResponse {
	parts := make([]canonical.Part, 0, 2)
	if ev.ReasoningTextDelta != "" {
		parts = append(parts, canonical.Part{Text: ev.ReasoningTextDelta, Thought: true, ThoughtSignature: ev.ReasoningSignature})
	}
	if ev.ContentTextDelta != "" {
		parts = append(parts, canonical.Part{Text: ev.ContentTextDelta})
	}
	for _, td := range ev.ToolCallDeltas {
		parts = append(parts, canonical.Part{
			FunctionCall: &canonical.FunctionCall{ID: td.CallID, Name: td.Name, Args: rawArgs(td.ArgsDelta)},
			ThoughtSignature: td.Signature,
		})
	}
	cand := canonical.Candidate{Content: &canonical.Content{Role: "model", Parts: parts}}
	if ev.FinishReason != "" {
		cand.FinishReason = ev.FinishReason
	}
	return GenerateContentResponse{Candidates: []canonical.Candidate{cand}, UsageMetadata: ev.UsageMetadata}
}

// ConvertFinalResponse maps a fully collected upstream stream onto a
// non-stream GenerateContentResponse.
func ConvertFinalResponse(names *toolname.Cache, collected relay.Collected) GenerateContentResponse {
	parts := make([]canonical.Part, 0, 2+len(collected.ToolCalls))
	if collected.ReasoningText != "" {
		parts = append(parts, canonical.Part{Text: collected.ReasoningText, Thought: true, ThoughtSignature: collected.ReasoningSignature})
	}
	if collected.ContentText != "" {
		parts = append(parts, canonical.Part{Text: collected.ContentText})
	}
	for _, tc := range collected.ToolCalls {
		parts = append(parts, canonical.Part{
			FunctionCall: &canonical.FunctionCall{ID: tc.CallID, Name: tc.Name, Args: rawArgs(tc.Arguments)},
		})
	}
	return GenerateContentResponse{
		Candidates: []canonical.Candidate{{
			Content:      &canonical.Content{Role: "model", Parts: parts},
			FinishReason: collected.FinishReason,
		}},
		UsageMetadata: collected.Usage,
	}
}

func rawArgs(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
