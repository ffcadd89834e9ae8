package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/polieval/internal/retry"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	poster
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string, policy retry.Policy) *Discord {
	return &Discord{poster: newPoster("discord", policy), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	color := 0x2E86DE
	if n.Score < n.PreviousScore {
		color = 0xE74C3C
	}

	embed := map[string]any{
		"title":       n.Title(),
		"description": fmt.Sprintf("**Score:** %.1f | **Grade:** %s\n\n%s", n.Score, n.Current, n.Body()),
		"color":       color,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}
	return d.post(ctx, d.webhookURL, nil, payload)
}
