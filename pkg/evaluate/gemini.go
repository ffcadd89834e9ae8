package evaluate

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

// GeminiOptions configures a Gemini evaluator.
type GeminiOptions struct {
	APIKey    string
	Model     string
	BatchSize int
	Retry     retry.Policy
}

// Gemini rates items with Google's Gemini models.
type Gemini struct {
	name     string
	scale    rating.Scale
	opts     GeminiOptions
	generate completer
}

// NewGemini creates a Gemini evaluator.
func NewGemini(ctx context.Context, name string, scale rating.Scale, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}
	if name == "" {
		name = "gemini"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	g := &Gemini{name: name, scale: scale, opts: opts}
	g.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, opts.Model, genai.Text(prompt), &genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0.1),
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return "", geminiError(err)
		}
		return resp.Text(), nil
	}
	return g, nil
}

// geminiError classifies API errors by status code the same way the REST
// clients do, so a rejected key or request fails without retrying.
func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 400 {
		return retry.CheckStatus("gemini", apiErr.Code, []byte(apiErr.Message))
	}
	return fmt.Errorf("gemini generate: %w", err)
}

// Name implements Evaluator.
func (g *Gemini) Name() string { return g.name }

// Evaluate implements Evaluator.
func (g *Gemini) Evaluate(ctx context.Context, subject source.Subject, items []source.Item) ([]Evaluation, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return runBatches(ctx, g.name, g.scale, subject, items, g.opts.BatchSize, func(ctx context.Context, prompt string) (string, error) {
		var text string
		err := retry.Do(ctx, g.opts.Retry, "gemini", func(ctx context.Context) error {
			var err error
			text, err = g.generate(ctx, prompt)
			return err
		})
		return text, err
	})
}
