package alert

import (
	"context"
	"fmt"

	"github.com/elonfeng/polieval/internal/retry"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	poster
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string, policy retry.Policy) *Slack {
	return &Slack{poster: newPoster("slack", policy), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": n.Title(),
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Score:* %.1f | *Grade:* %s\n%s", n.Score, n.Current, n.Body()),
			},
		},
	}

	payload := map[string]any{
		"text":   n.Title(),
		"blocks": blocks,
	}
	return s.post(ctx, s.webhookURL, nil, payload)
}
