package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	geminidialect "github.com/relayforge/codeassist-gateway/internal/convert/gemini"
	"github.com/relayforge/codeassist-gateway/internal/convert/toolname"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/relay"
)

// chiWildcard returns the tail chi captured for a "/*" route.
func chiWildcard(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// handleGeminiModels dispatches every /v1beta/models/{model}:{method} call;
// chi matches the whole tail as a wildcard rather than a named param because
// the method name is appended to the model with a bare colon, not a slash.
func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	tail := chiWildcard(r)
	model, method, ok := splitModelMethod(tail)
	if !ok {
		s.respondGeminiError(w, http.StatusNotFound, "unrecognized gemini path")
		return
	}
	switch method {
	case "generateContent":
		s.dispatchGemini(w, r, model, false)
	case "streamGenerateContent":
		s.dispatchGemini(w, r, model, true)
	default:
		s.respondGeminiError(w, http.StatusBadRequest, "unsupported method: "+method)
	}
}

// splitModelMethod parses "gemini-2.5-pro:generateContent" into its model
// and method halves.
func splitModelMethod(tail string) (model, method string, ok bool) {
	idx := strings.LastIndex(tail, ":")
	if idx <= 0 {
		return "", "", false
	}
	return tail[:idx], tail[idx+1:], true
}

func (s *Server) dispatchGemini(w http.ResponseWriter, r *http.Request, model string, streamToCaller bool) {
	var body geminidialect.GenerateContentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.respondGeminiError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	names := toolname.New()
	canReq := geminidialect.ConvertRequest(body, model, geminidialect.RequestContext{
		OperatorInstruction: s.Config.SystemInstruction,
		OfficialPrompt:      s.Config.OfficialSystemPrompt,
		OfficialFirst:       s.Config.OfficialPromptFirst,
		Names:               names,
	})

	group := quota.ClassifyModel(model)
	upstreamStream := streamToCaller || s.Config.FakeNonStream
	path := "/v1internal:generateContent"
	if upstreamStream {
		path = "/v1internal:streamGenerateContent?alt=sse"
	}

	res, err := s.Pipeline.DispatchFunc(r.Context(), model, group, path, s.payloadBuilder(canReq), upstreamStream)
	if err != nil {
		status, kind := classifyDispatchError(err)
		s.respondGeminiError(w, status, kind+": "+err.Error())
		return
	}
	defer res.Response.Body.Close()

	if streamToCaller {
		flusher, canFlush := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if canFlush {
			flusher.Flush()
		}
		heartbeat := time.Duration(s.Config.HeartbeatIntervalMS) * time.Millisecond
		collected, pumpErr := relay.Pump(r.Context(), res.Response.Body, relay.Options{
			HeartbeatInterval: heartbeat,
			OnHeartbeat: func() error {
				empty := geminidialect.GenerateContentResponse{}
				data, _ := json.Marshal(empty)
				_, werr := w.Write(append(append([]byte("data: "), data...), '\n', '\n'))
				if canFlush {
					flusher.Flush()
				}
				return werr
			},
			OnEvent: func(ev relay.Event) error {
				chunk := geminidialect.ConvertStreamEvent(ev, names)
				data, mErr := json.Marshal(chunk)
				if mErr != nil {
					return nil
				}
				if _, werr := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); werr != nil {
					return werr
				}
				if canFlush {
					flusher.Flush()
				}
				return nil
			},
			ImageSaver: s.ImageSaver,
			NameOf:     names.Original,
		})
		if pumpErr != nil && !errors.Is(pumpErr, io.EOF) {
			s.debugf("gemini stream pump ended with error: %v", pumpErr)
		}
		s.writeBackSignature(res.Credential, model, collected)
		return
	}

	var collected relay.Collected
	if upstreamStream {
		collected, err = relay.Pump(r.Context(), res.Response.Body, relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	} else {
		raw, readErr := io.ReadAll(res.Response.Body)
		if readErr != nil {
			s.respondGeminiError(w, http.StatusBadGateway, readErr.Error())
			return
		}
		collected, err = relay.Pump(r.Context(), strings.NewReader("data: "+string(raw)+"\n\n"), relay.Options{ImageSaver: s.ImageSaver, NameOf: names.Original})
	}
	if err != nil {
		s.respondGeminiError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeBackSignature(res.Credential, model, collected)
	resp := geminidialect.ConvertFinalResponse(names, collected)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondGeminiError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  http.StatusText(status),
		},
	})
}
