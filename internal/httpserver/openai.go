package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/convert/openai"
	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/pipeline"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

const maxBodyBytes = 32 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body openai.ChatCompletionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}

	names := toolname.New()
	canReq, err := openai.ConvertRequest(body, openai.RequestContext{
		OperatorInstruction: s.Config.SystemInstruction,
		OfficialPrompt:      s.Config.OfficialSystemPrompt,
		OfficialFirst:       s.Config.OfficialPromptFirst,
		Names:               names,
	})
	if err != nil {
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
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
		s.respondOpenAIError(w, status, kind, err.Error())
		return
	}
	defer res.Response.Body.Close()

	id := "chatcmpl-" + newRequestID()
	created := time.Now().Unix()

	if streamToCaller {
		s.streamOpenAI(w, r, res, id, body.Model, created, names)
		return
	}

	var collected relay.Collected
	if upstreamStream {
		collected, err = relay.Pump(r.Context(), res.Response.Body, relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	} else {
		raw, readErr := io.ReadAll(res.Response.Body)
		if readErr != nil {
			s.respondOpenAIError(w, http.StatusBadGateway, "upstream_other", readErr.Error())
			return
		}
		collected, err = relay.Pump(r.Context(), strings.NewReader("data: "+string(raw)+"\n\n"), relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	}
	if err != nil {
		s.respondOpenAIError(w, http.StatusBadGateway, "upstream_other", err.Error())
		return
	}

	s.writeBackSignature(res.Credential, body.Model, collected)
	resp := openai.ConvertFinalResponse(id, body.Model, created, names, collected)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, res pipeline.Result, id, model string, created int64, names *toolname.Cache) {
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	st := openai.NewConvState(id, model, created)
	heartbeat := time.Duration(s.Config.HeartbeatIntervalMS) * time.Millisecond

	collected, err := relay.Pump(r.Context(), res.Response.Body, relay.Options{
		HeartbeatInterval: heartbeat,
		OnHeartbeat: func() error {
			_, werr := io.WriteString(w, ": heartbeat\n\n")
			if canFlush {
				flusher.Flush()
			}
			return werr
		},
		OnEvent: func(ev relay.Event) error {
			for _, chunk := range openai.ConvertStreamChunk(ev, st) {
				data, mErr := json.Marshal(chunk)
				if mErr != nil {
					continue
				}
				if _, werr := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); werr != nil {
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
		s.debugf("openai stream pump ended with error: %v", err)
	}
	io.WriteString(w, "data: [DONE]\n\n")
	if canFlush {
		flusher.Flush()
	}
	s.writeBackSignature(res.Credential, model, collected)
}

func (s *Server) respondOpenAIError(w http.ResponseWriter, status int, kind, message string) {
	s.respondJSON(w, status, openai.ErrorBody{Error: openai.ErrorDetail{Type: kind, Message: message}})
}
