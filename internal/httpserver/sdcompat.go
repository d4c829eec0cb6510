package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/relayforge/codeassist-gateway/internal/convert/canonical"
	geminidialect "github.com/relayforge/codeassist-gateway/internal/convert/gemini"
	"github.com/relayforge/codeassist-gateway/internal/quota"
)

// imageModel is the only model this gateway routes SD-compat calls to; the
// upstream's image family lives behind the "banana" quota group (spec.md
// Open Questions).
const imageModel = "gemini-3-pro-image"

// txt2imgRequest is the subset of the Automatic1111/SD-webui txt2img body
// this gateway understands: a prompt pair and how many images to return.
type txt2imgRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	BatchSize      int    `json:"batch_size"`
	NIter          int    `json:"n_iter"`
}

// img2imgRequest additionally carries the seed images, base64-encoded
// without a data: URL prefix as SD-webui sends them.
type img2imgRequest struct {
	txt2imgRequest
	InitImages []string `json:"init_images"`
}

type sdResponse struct {
	Images     []string       `json:"images"`
	Parameters map[string]any `json:"parameters"`
	Info       string         `json:"info"`
}

func (s *Server) handleTxt2Img(w http.ResponseWriter, r *http.Request) {
	var body txt2imgRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.respondSDError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.generateSDImages(w, r, body.parts())
}

func (s *Server) handleImg2Img(w http.ResponseWriter, r *http.Request) {
	var body img2imgRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.respondSDError(w, http.StatusBadRequest, err.Error())
		return
	}
	parts := body.parts()
	for _, init := range body.InitImages {
		if init == "" {
			continue
		}
		parts = append(parts, canonical.Part{InlineData: &canonical.InlineData{MimeType: "image/png", Data: init}})
	}
	s.generateSDImages(w, r, parts)
}

// parts builds the caller-turn parts for a bare text-to-image call.
func (b txt2imgRequest) parts() []canonical.Part {
	prompt := b.Prompt
	if b.NegativePrompt != "" {
		prompt += "\n\nAvoid: " + b.NegativePrompt
	}
	return []canonical.Part{{Text: prompt}}
}

func (s *Server) generateSDImages(w http.ResponseWriter, r *http.Request, parts []canonical.Part) {
	canReq := canonical.Request{
		Model:    imageModel,
		Contents: []canonical.Content{{Role: "user", Parts: parts}},
	}

	group := quota.ClassifyModel(imageModel)
	res, err := s.Pipeline.DispatchFunc(r.Context(), imageModel, group, "/v1internal:generateContent", s.payloadBuilder(canReq), false)
	if err != nil {
		status, kind := classifyDispatchError(err)
		s.respondSDError(w, status, kind+": "+err.Error())
		return
	}
	defer res.Response.Body.Close()

	raw, err := io.ReadAll(res.Response.Body)
	if err != nil {
		s.respondSDError(w, http.StatusBadGateway, err.Error())
		return
	}
	var upstreamResp geminidialect.GenerateContentResponse
	if err := json.Unmarshal(raw, &upstreamResp); err != nil {
		s.respondSDError(w, http.StatusBadGateway, "malformed upstream response: "+err.Error())
		return
	}

	var images []string
	for _, cand := range upstreamResp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				images = append(images, part.InlineData.Data)
			}
		}
	}
	if len(images) == 0 {
		s.respondSDError(w, http.StatusBadGateway, "upstream returned no images")
		return
	}

	s.respondJSON(w, http.StatusOK, sdResponse{
		Images:     images,
		Parameters: map[string]any{},
		Info:       "{}",
	})
}

func (s *Server) respondSDError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"error": message})
}
