package anthropic

import (
	"testing"

	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

func TestConvertRequestToolUseAndResult(t *testing.T) {
	in := MessagesRequest{
		Model:  "claude-opus",
		System: "be terse",
		Messages: []Message{
			{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "lookup", Input: []byte(`{"q":"x"}`)}}},
			{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "42"}}},
		},
	}
	out, err := ConvertRequest(in, RequestContext{Names: toolname.New()})
	if err != nil {
		t.Fatalf("ConvertRequest error: %v", err)
	}
	if len(out.Contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(out.Contents))
	}
	if out.Contents[0].Parts[0].FunctionCall == nil || out.Contents[0].Parts[0].FunctionCall.Name != "lookup" {
		t.Fatalf("expected passthrough-safe tool alias 'lookup', got %+v", out.Contents[0].Parts[0].FunctionCall)
	}
	if out.Contents[1].Parts[0].FunctionResponse == nil {
		t.Fatalf("expected function response part")
	}
}

func TestStreamConverterOpensAndClosesBlocks(t *testing.T) {
	names := toolname.New()
	alias := names.Alias("lookup")
	c := NewStreamConverter("id1", "m", names)

	events := c.Convert(relay.Event{ContentTextDelta: "Hel"})
	events = append(events, c.Convert(relay.Event{ContentTextDelta: "lo"})...)
	events = append(events, c.Convert(relay.Event{ToolCallDeltas: []relay.ToolCallDelta{{CallID: "c1", Name: alias, ArgsDelta: `{"q":1}`}}})...)
	events = append(events, c.Convert(relay.Event{FinishReason: "STOP"})...)

	var starts, stops int
	for _, e := range events {
		switch e.Event {
		case "content_block_start":
			starts++
		case "content_block_stop":
			stops++
		}
	}
	if starts != 2 {
		t.Fatalf("expected 2 content_block_start events (text, tool_use), got %d", starts)
	}
	if starts != stops {
		t.Fatalf("unbalanced block start/stop: %d starts, %d stops", starts, stops)
	}
	last := events[len(events)-1]
	if last.Event != "message_stop" {
		t.Fatalf("expected final event message_stop, got %s", last.Event)
	}
}

func TestConvertFinalResponseToolUseInputDefaultsToEmptyObject(t *testing.T) {
	names := toolname.New()
	collected := relay.Collected{ToolCalls: []relay.ToolCall{{CallID: "c1", Name: "lookup", Arguments: ""}}, FinishReason: "STOP"}
	resp := ConvertFinalResponse("id1", "m", names, collected)
	if len(resp.Content) != 1 || string(resp.Content[0].Input) != "{}" {
		t.Fatalf("expected empty-object input default, got %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("StopReason = %q, want end_turn", resp.StopReason)
	}
}
