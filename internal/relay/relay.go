// Package relay implements the stream relay (C9): a line-parsed SSE pump
// over the upstream's byte stream, with heartbeat injection, thought
// signature extraction, tool-call assembly by call ID, and non-stream
// shimming via full-stream collection.
package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/convert/canonical"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ImageSaver persists a model-generated image and returns a URL, the
// external SaveImage(bytes) -> URL sink spec.md §1 treats as opaque.
type ImageSaver interface {
	SaveImage(ctx context.Context, mimeType string, data []byte) (string, error)
}

// ToolCallDelta is one incremental update to an in-flight tool call,
// emitted as soon as new argument JSON fragments arrive.
type ToolCallDelta struct {
	CallID    string
	Name      string
	ArgsDelta string
	Signature string
}

// Event is one normalized upstream SSE event, independent of any inbound
// dialect. Per-dialect converters translate Event into their own wire
// chunks.
type Event struct {
	ReasoningTextDelta string
	ReasoningSignature string // non-empty only when this event updated it
	ContentTextDelta   string
	ToolCallDeltas     []ToolCallDelta
	ImageURLs          []string
	FinishReason       string
	UsageMetadata      *canonical.UsageMetadata
}

// ToolCall is one fully assembled tool call, available once the stream
// ends or the call's final arguments are known.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
	Signature string
}

// Collected is the full-stream aggregate used for non-stream shimming and
// the final-response converters.
type Collected struct {
	ReasoningText      string
	ReasoningSignature string
	ContentText        string
	ToolCalls          []ToolCall
	ImageURLs          []string
	FinishReason       string
	Usage              *canonical.UsageMetadata
}

// Options configures one Pump invocation.
type Options struct {
	HeartbeatInterval time.Duration // 0 disables
	OnHeartbeat       func() error
	OnEvent           func(Event) error
	ImageSaver        ImageSaver
	NameOf            func(upstreamName string) string // recovers the inbound-dialect-facing tool name
}

type toolAcc struct {
	name string
	args strings.Builder
	sig  string
}

// Pump reads upstream SSE lines from src, splitting on '\n'. Lines prefixed
// `data:` carry a JSON StreamEvent; everything else (including `: heartbeat`
// comment lines) is ignored. Returns once the stream ends or ctx is
// cancelled. The caller is responsible for closing src on cancellation.
func Pump(ctx context.Context, src io.Reader, opts Options) (Collected, error) {
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) error { return nil }
	}
	if opts.NameOf == nil {
		opts.NameOf = func(s string) string { return s }
	}

	collected := Collected{}
	tools := make(map[string]*toolAcc)
	toolOrder := make([]string, 0, 4)

	var heartbeatStop chan struct{}
	var heartbeatDone chan struct{}
	if opts.HeartbeatInterval > 0 && opts.OnHeartbeat != nil {
		heartbeatStop = make(chan struct{})
		heartbeatDone = make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			ticker := time.NewTicker(opts.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = opts.OnHeartbeat()
				case <-heartbeatStop:
					return
				}
			}
		}()
		defer func() {
			close(heartbeatStop)
			<-heartbeatDone
		}()
	}

	reader := bufio.NewReader(src)
	for {
		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if handleErr := handleLine(trimmed, opts, &collected, tools, &toolOrder); handleErr != nil {
				return collected, handleErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return collected, err
		}
	}

	for _, id := range toolOrder {
		acc := tools[id]
		collected.ToolCalls = append(collected.ToolCalls, ToolCall{
			CallID:    id,
			Name:      acc.name,
			Arguments: acc.args.String(),
			Signature: acc.sig,
		})
	}
	return collected, nil
}

func handleLine(line string, opts Options, collected *Collected, tools map[string]*toolAcc, toolOrder *[]string) error {
	if !strings.HasPrefix(line, "data:") {
		return nil // SSE comment lines (e.g. ": heartbeat") and blank lines
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	var ev canonical.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil // tolerate malformed lines the way the teacher's pumps do
	}

	out := Event{}
	if ev.UsageMetadata != nil {
		out.UsageMetadata = ev.UsageMetadata
		collected.Usage = ev.UsageMetadata
	}
	if len(ev.Candidates) > 0 {
		cand := ev.Candidates[0]
		if cand.FinishReason != "" {
			out.FinishReason = cand.FinishReason
			collected.FinishReason = cand.FinishReason
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.Thought:
					out.ReasoningTextDelta += part.Text
					collected.ReasoningText += part.Text
					if part.ThoughtSignature != "" {
						out.ReasoningSignature = part.ThoughtSignature
						collected.ReasoningSignature = part.ThoughtSignature
					}
				case part.FunctionCall != nil:
					id := part.FunctionCall.ID
					if id == "" {
						id = part.FunctionCall.Name
					}
					acc, ok := tools[id]
					if !ok {
						acc = &toolAcc{name: opts.NameOf(part.FunctionCall.Name)}
						tools[id] = acc
						*toolOrder = append(*toolOrder, id)
					}
					delta := ToolCallDelta{CallID: id, Name: acc.name}
					if len(part.FunctionCall.Args) > 0 {
						frag := string(part.FunctionCall.Args)
						acc.args.WriteString(frag)
						delta.ArgsDelta = frag
					}
					if part.ThoughtSignature != "" {
						acc.sig = part.ThoughtSignature
						collected.ReasoningSignature = part.ThoughtSignature
						delta.Signature = part.ThoughtSignature
					}
					out.ToolCallDeltas = append(out.ToolCallDeltas, delta)
				case part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "image/"):
					if opts.ImageSaver != nil {
						data, decErr := decodeBase64(part.InlineData.Data)
						if decErr == nil {
							url, saveErr := opts.ImageSaver.SaveImage(context.Background(), part.InlineData.MimeType, data)
							if saveErr == nil && url != "" {
								out.ImageURLs = append(out.ImageURLs, url)
								collected.ImageURLs = append(collected.ImageURLs, url)
							}
						}
					}
				case part.Text != "":
					out.ContentTextDelta += part.Text
					collected.ContentText += part.Text
				}
			}
		}
	}

	if isEmptyEvent(out) {
		return nil
	}
	return opts.OnEvent(out)
}

func isEmptyEvent(e Event) bool {
	return e.ReasoningTextDelta == "" && e.ContentTextDelta == "" &&
		len(e.ToolCallDeltas) == 0 && len(e.ImageURLs) == 0 &&
		e.FinishReason == "" && e.UsageMetadata == nil
}
