package draft

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"mailfollow/config"
)

// FallbackGenerator tries Primary and, on a temporary failure, Secondary.
type FallbackGenerator struct {
	Primary   Generator
	Secondary Generator
	Logger    *logrus.Entry
}

func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	d, err := g.Primary.Generate(ctx, req)
	if err == nil || g.Secondary == nil {
		return d, err
	}

	var genErr *GenerationError
	if !errors.As(err, &genErr) || !genErr.Temporary {
		return Draft{}, err
	}
	if g.Logger != nil {
		g.Logger.WithError(err).Warn("Primary draft generator unavailable, using fallback")
	}
	return g.Secondary.Generate(ctx, req)
}

// NewGenerator builds the generator selected by cfg.Provider. When both
// providers have keys the other one is wired as a fallback.
func NewGenerator(cfg config.AIConfig, client *fasthttp.Client, logger *logrus.Entry) Generator {
	openai := &OpenAIGenerator{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIAPIURL, Model: cfg.OpenAIModel, Client: client}
	gemini := &GeminiGenerator{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel, Client: client}

	var primary, secondary Generator = openai, gemini
	secondaryKey := cfg.GeminiAPIKey
	if cfg.Provider == "gemini" {
		primary, secondary = gemini, openai
		secondaryKey = cfg.OpenAIAPIKey
	}
	if secondaryKey == "" {
		return primary
	}
	return &FallbackGenerator{Primary: primary, Secondary: secondary, Logger: logger}
}
