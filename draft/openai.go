package draft

import (
	"context"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"
)

// OpenAIGenerator calls the chat completions endpoint.
type OpenAIGenerator struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *fasthttp.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	if g.APIKey == "" {
		return Draft{}, &GenerationError{Provider: "openai", Err: errors.New("OPENAI_API_KEY is not configured")}
	}

	model := g.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	system, user := Prompts(req)

	var resp chatResponse
	err := postJSON(ctx, clientOrDefault(g.Client), "openai",
		strings.TrimRight(g.BaseURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + g.APIKey},
		chatRequest{
			Model: model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature: 0.7,
			MaxTokens:   500,
		}, &resp)
	if err != nil {
		return Draft{}, err
	}
	if len(resp.Choices) == 0 {
		return Draft{}, &GenerationError{Provider: "openai", Err: errors.New("empty response")}
	}

	d, err := ParseDraft(resp.Choices[0].Message.Content)
	if err != nil {
		return Draft{}, &GenerationError{Provider: "openai", Err: err}
	}
	return d, nil
}
