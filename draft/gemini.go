package draft

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"
)

// GeminiGenerator calls the Gemini generateContent endpoint.
type GeminiGenerator struct {
	APIKey  string
	BaseURL string // defaults to https://generativelanguage.googleapis.com
	Model   string
	Client  *fasthttp.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	if g.APIKey == "" {
		return Draft{}, &GenerationError{Provider: "gemini", Err: errors.New("GEMINI_API_KEY is not configured")}
	}

	base := g.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	model := g.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(base, "/"), model, url.QueryEscape(g.APIKey))

	system, user := Prompts(req)
	payload := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: system}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
	}
	payload.GenerationConfig.Temperature = 0.7
	payload.GenerationConfig.MaxOutputTokens = 500

	var resp geminiResponse
	if err := postJSON(ctx, clientOrDefault(g.Client), "gemini", endpoint, nil, payload, &resp); err != nil {
		return Draft{}, err
	}
	if len(resp.Candidates) == 0 {
		return Draft{}, &GenerationError{Provider: "gemini", Err: errors.New("empty response")}
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	d, err := ParseDraft(text.String())
	if err != nil {
		return Draft{}, &GenerationError{Provider: "gemini", Err: err}
	}
	return d, nil
}
