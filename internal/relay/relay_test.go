package relay

import (
	"context"
	"strings"
	"testing"
)

func TestPumpAccumulatesTextAndToolCalls(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"lo"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"id":"call_1","name":"lookup","args":{"q":"x"}}}]}}]}`,
		`data: {"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`,
		`data: [DONE]`,
		"",
	}, "\n\n")

	var events []Event
	collected, err := Pump(context.Background(), strings.NewReader(stream), Options{
		OnEvent: func(e Event) error {
			events = append(events, e)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if collected.ContentText != "Hello" {
		t.Fatalf("ContentText = %q, want %q", collected.ContentText, "Hello")
	}
	if len(collected.ToolCalls) != 1 || collected.ToolCalls[0].Name != "lookup" {
		t.Fatalf("unexpected tool calls: %+v", collected.ToolCalls)
	}
	if collected.FinishReason != "STOP" {
		t.Fatalf("FinishReason = %q, want STOP", collected.FinishReason)
	}
	if collected.Usage == nil || collected.Usage.TotalTokenCount != 7 {
		t.Fatalf("unexpected usage: %+v", collected.Usage)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 delivered events (excluding [DONE]), got %d", len(events))
	}
}

func TestPumpCapturesThoughtSignature(t *testing.T) {
	stream := `data: {"candidates":[{"content":{"parts":[{"thought":true,"text":"thinking...","thoughtSignature":"sig-123"}]}}]}` + "\n\n"

	collected, err := Pump(context.Background(), strings.NewReader(stream), Options{})
	if err != nil {
		t.Fatalf("Pump error: %v", err)
	}
	if collected.ReasoningSignature != "sig-123" {
		t.Fatalf("ReasoningSignature = %q, want sig-123", collected.ReasoningSignature)
	}
	if collected.ReasoningText != "thinking..." {
		t.Fatalf("ReasoningText = %q", collected.ReasoningText)
	}
}

func TestPumpIgnoresHeartbeatComments(t *testing.T) {
	stream := ": heartbeat\n\ndata: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"
	collected, err := Pump(context.Background(), strings.NewReader(stream), Options{})
	if err != nil {
		t.Fatalf("Pump error: %v", err)
	}
	if collected.ContentText != "hi" {
		t.Fatalf("ContentText = %q, want hi", collected.ContentText)
	}
}
