package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

// ChatOptions configures a Chat evaluator.
type ChatOptions struct {
	Provider  string // "openai" or "anthropic"
	Model     string
	APIKey    string
	BaseURL   string
	BatchSize int
	Timeout   time.Duration
	Retry     retry.Policy
}

// Chat rates items through the OpenAI or Anthropic chat APIs.
type Chat struct {
	client *resty.Client
	name   string
	scale  rating.Scale
	opts   ChatOptions
}

// NewChat creates a chat-completion evaluator. name is the evaluator
// identity stored with every rating.
func NewChat(name string, scale rating.Scale, opts ChatOptions) *Chat {
	if opts.Model == "" {
		switch opts.Provider {
		case "anthropic":
			opts.Model = "claude-sonnet-4-20250514"
		default:
			opts.Model = "gpt-4o-mini"
		}
	}
	if opts.BaseURL == "" {
		switch opts.Provider {
		case "anthropic":
			opts.BaseURL = "https://api.anthropic.com"
		default:
			opts.BaseURL = "https://api.openai.com"
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if name == "" {
		name = opts.Provider
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Chat{client: client, name: name, scale: scale, opts: opts}
}

// Name implements Evaluator.
func (c *Chat) Name() string { return c.name }

// Evaluate implements Evaluator.
func (c *Chat) Evaluate(ctx context.Context, subject source.Subject, items []source.Item) ([]Evaluation, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return runBatches(ctx, c.name, c.scale, subject, items, c.opts.BatchSize, c.complete)
}

func (c *Chat) complete(ctx context.Context, prompt string) (string, error) {
	var text string
	err := retry.Do(ctx, c.opts.Retry, c.opts.Provider, func(ctx context.Context) error {
		var err error
		switch c.opts.Provider {
		case "anthropic":
			text, err = c.callAnthropic(ctx, prompt)
		default:
			text, err = c.callOpenAI(ctx, prompt)
		}
		return err
	})
	return text, err
}

func (c *Chat) callOpenAI(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": c.opts.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.1,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.opts.APIKey).
		SetBody(payload).
		SetResult(&result).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("call openai: %w", err)
	}
	if err := retry.CheckStatus("openai", resp.StatusCode(), resp.Body()); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", retry.Permanent(fmt.Errorf("openai: no choices returned"))
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Chat) callAnthropic(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":      c.opts.Model,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("x-api-key", c.opts.APIKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(payload).
		SetResult(&result).
		Post("/v1/messages")
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	if err := retry.CheckStatus("anthropic", resp.StatusCode(), resp.Body()); err != nil {
		return "", err
	}

	if len(result.Content) == 0 {
		return "", retry.Permanent(fmt.Errorf("anthropic: no content returned"))
	}
	return result.Content[0].Text, nil
}
