package openai

import (
	"context"
	"strings"
	"testing"

	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

func TestConvertRequestMergesSystemAndTools(t *testing.T) {
	in := ChatCompletionRequest{
		Model: "claude-opus",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		Tools: []Tool{{Type: "function", Function: FunctionSpec{Name: "look.up", Description: "d"}}},
	}
	rc := RequestContext{OperatorInstruction: "operator rule", Names: toolname.New()}

	out, err := ConvertRequest(in, rc)
	if err != nil {
		t.Fatalf("ConvertRequest error: %v", err)
	}
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text == "" {
		t.Fatalf("expected merged system instruction")
	}
	if len(out.Contents) != 1 || out.Contents[0].Parts[0].Text != "hi" {
		t.Fatalf("unexpected contents: %+v", out.Contents)
	}
	if out.Tools == nil || len(out.Tools.FunctionDeclarations) != 1 {
		t.Fatalf("expected one tool declaration")
	}
	if out.Tools.FunctionDeclarations[0].Name == "look.up" {
		t.Fatalf("expected sanitized tool alias, got unsanitized name")
	}
}

func TestConvertRequestReasoningEffortMapsToThinkingBudget(t *testing.T) {
	in := ChatCompletionRequest{Model: "m", ReasoningEffort: "high", Messages: []Message{{Role: "user", Content: "x"}}}
	out, err := ConvertRequest(in, RequestContext{Names: toolname.New()})
	if err != nil {
		t.Fatalf("ConvertRequest error: %v", err)
	}
	tc := out.GenerationConfig.ThinkingConfig
	if tc == nil || tc.ThinkingBudget == nil || *tc.ThinkingBudget != 32000 {
		t.Fatalf("expected thinking budget 32000, got %+v", tc)
	}
}

func TestConvertRequestExplicitZeroThinkingBudgetDisablesThinking(t *testing.T) {
	zero := 0
	in := ChatCompletionRequest{Model: "m", ThinkingBudget: &zero, Messages: []Message{{Role: "user", Content: "x"}}}
	out, err := ConvertRequest(in, RequestContext{Names: toolname.New()})
	if err != nil {
		t.Fatalf("ConvertRequest error: %v", err)
	}
	tc := out.GenerationConfig.ThinkingConfig
	if tc == nil || tc.ThinkingBudget == nil || *tc.ThinkingBudget != 0 {
		t.Fatalf("expected an explicit zero budget to survive, got %+v", tc)
	}
	if tc.IncludeThoughts {
		t.Fatalf("expected includeThoughts=false when thinking is disabled")
	}
}

// TestConvertFinalResponsePassesThroughAlreadyOriginalName drives a tool
// call through the real relay.Pump (the same NameOf: names.Original wiring
// httpserver uses) so Collected arrives with the alias already resolved,
// then checks ConvertFinalResponse does not re-resolve it a second time.
// Re-resolving would look the already-original name up in the alias->name
// map again and, on an alias collision, silently substitute a different
// tool's name.
func TestConvertFinalResponsePassesThroughAlreadyOriginalName(t *testing.T) {
	names := toolname.New()
	alias := names.Alias("weird name!")

	sse := `data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"c1","name":"` + alias + `","args":{}}}]},"finishReason":"STOP"}]}` + "\n"

	collected, err := relay.Pump(context.Background(), strings.NewReader(sse), relay.Options{NameOf: names.Original})
	if err != nil {
		t.Fatalf("Pump error: %v", err)
	}
	if len(collected.ToolCalls) != 1 || collected.ToolCalls[0].Name != "weird name!" {
		t.Fatalf("expected Pump to already resolve the alias, got %+v", collected.ToolCalls)
	}

	resp := ConvertFinalResponse("id1", "m", 100, names, collected)
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice")
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "weird name!" {
		t.Fatalf("expected the already-original tool name preserved, got %+v", msg.ToolCalls)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("FinishReason = %q, want stop", resp.Choices[0].FinishReason)
	}
}

// TestConvertFinalResponseDoesNotReresolveOnAliasCollision is the failure
// case the redundant Original() call used to hit silently: a tool call
// arrives already resolved to an original name that also happens to be a
// minted alias for a *different* tool in the same session cache.
func TestConvertFinalResponseDoesNotReresolveOnAliasCollision(t *testing.T) {
	names := toolname.New()
	collidingAlias := names.Alias("some other unsafe name!") // mints "tool_1"
	if collidingAlias != "tool_1" {
		t.Fatalf("expected first minted alias to be tool_1, got %q", collidingAlias)
	}

	collected := relay.Collected{
		ContentText:  "done",
		ToolCalls:    []relay.ToolCall{{CallID: "c1", Name: "tool_1", Arguments: "{}"}},
		FinishReason: "STOP",
	}
	resp := ConvertFinalResponse("id1", "m", 100, names, collected)
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice")
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "tool_1" {
		t.Fatalf("expected the caller's genuine tool_1 name preserved verbatim, got %+v", msg.ToolCalls)
	}
}
