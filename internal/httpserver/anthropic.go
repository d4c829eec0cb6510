package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	anthropicdialect "github.com/relayforge/codeassist-gateway/internal/convert/anthropic"
	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/pipeline"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var body anthropicdialect.MessagesRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}

	names := toolname.New()
	canReq, err := anthropicdialect.ConvertRequest(body, anthropicdialect.RequestContext{
		OperatorInstruction: s.Config.SystemInstruction,
		OfficialPrompt:      s.Config.OfficialSystemPrompt,
		OfficialFirst:       s.Config.OfficialPromptFirst,
		Names:               names,
	})
	if err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	group := quota.ClassifyModel(body.Model)
	streamToCaller := body.Stream
	upstreamStream := streamToCaller || s.Config.FakeNonStream
	path := "/v1internal:generateContent"
	if upstreamStream {
		path = "/v1internal:streamGenerateContent?alt=sse"
	}

	res, err := s.Pipeline.DispatchFunc(r.Context(), body.Model, group, path, s.payloadBuilder(canReq), upstreamStream)
	if err != nil {
		status, kind := classifyDispatchError(err)
		s.respondAnthropicError(w, status, kind, err.Error())
		return
	}
	defer res.Response.Body.Close()

	id := "msg_" + newRequestID()

	if streamToCaller {
		s.streamAnthropic(w, r, res, id, body.Model, names)
		return
	}

	var collected relay.Collected
	if upstreamStream {
		collected, err = relay.Pump(r.Context(), res.Response.Body, relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	} else {
		raw, readErr := io.ReadAll(res.Response.Body)
		if readErr != nil {
			s.respondAnthropicError(w, http.StatusBadGateway, "upstream_other", readErr.Error())
			return
		}
		collected, err = relay.Pump(r.Context(), strings.NewReader("data: "+string(raw)+"\n\n"), relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	}
	if err != nil {
		s.respondAnthropicError(w, http.StatusBadGateway, "upstream_other", err.Error())
		return
	}

	s.writeBackSignature(res.Credential, body.Model, collected)
	resp := anthropicdialect.ConvertFinalResponse(id, body.Model, names, collected)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, res pipeline.Result, id, model string, names *toolname.Cache) {
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	conv := anthropicdialect.NewStreamConverter(id, model, names)
	heartbeat := time.Duration(s.Config.HeartbeatIntervalMS) * time.Millisecond

	writeEvent := func(ev anthropicdialect.StreamEvent) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil
		}
		if _, err := io.WriteString(w, "event: "+ev.Event+"\n"); err != nil {
			return err
		}
		if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			return err
		}
		return nil
	}

	collected, err := relay.Pump(r.Context(), res.Response.Body, relay.Options{
		HeartbeatInterval: heartbeat,
		OnHeartbeat: func() error {
			werr := writeEvent(anthropicdialect.StreamEvent{Event: "ping", Data: map[string]string{"type": "ping"}})
			if canFlush {
				flusher.Flush()
			}
			return werr
		},
		OnEvent: func(ev relay.Event) error {
			for _, out := range conv.Convert(ev) {
				if werr := writeEvent(out); werr != nil {
					return werr
				}
			}
			if canFlush {
				flusher.Flush()
			}
			return nil
		},
		ImageSaver: s.ImageSaver,
		NameOf:     names.Original,
	})
	if err != nil && !errors.Is(err, io.EOF) {
		s.debugf("anthropic stream pump ended with error: %v", err)
	}
	if collected.FinishReason == "" {
		// upstream stream ended without a terminal candidate (aborted
		// connection or malformed tail); still close out the dialect's
		// event sequence so the caller sees a terminal event.
		for _, out := range conv.Convert(relay.Event{FinishReason: "STOP"}) {
			writeEvent(out)
		}
	}
	if canFlush {
		flusher.Flush()
	}
	s.writeBackSignature(res.Credential, model, collected)
}

func (s *Server) respondAnthropicError(w http.ResponseWriter, status int, kind, message string) {
	s.respondJSON(w, status, anthropicdialect.ErrorBody{Type: "error", Error: anthropicdialect.ErrorDetail{Type: kind, Message: message}})
}
