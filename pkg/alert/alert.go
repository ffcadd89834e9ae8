// Package alert delivers grade-change notifications.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/source"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Subject       source.Subject `json:"subject"`
	Evaluator     string         `json:"evaluator_agent"`
	Profile       string         `json:"profile"`
	Score         float64        `json:"score"`
	PreviousScore float64        `json:"previous_score"`
	Previous      string         `json:"previous_grade"`
	Current       string         `json:"current_grade"`
	CurrentName   string         `json:"current_grade_name"`
}

// Title is a one-line summary.
func (n *Notification) Title() string {
	return fmt.Sprintf("%s: %s → %s", n.Subject.Name, n.Previous, n.Current)
}

// Body describes the change.
func (n *Notification) Body() string {
	return fmt.Sprintf("%s score %.1f → %.1f (%s, profile %s)",
		n.CurrentName, n.PreviousScore, n.Score, n.Evaluator, n.Profile)
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// poster is the shared HTTP leg of every notifier.
type poster struct {
	client *resty.Client
	policy retry.Policy
	target string
}

func newPoster(target string, policy retry.Policy) poster {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "polieval/1.0")
	return poster{client: client, policy: policy, target: target}
}

func (p poster) post(ctx context.Context, url string, headers map[string]string, body any) error {
	return retry.Do(ctx, p.policy, p.target, func(ctx context.Context) error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(body).
			Post(url)
		if err != nil {
			return fmt.Errorf("send %s: %w", p.target, err)
		}
		return retry.CheckStatus(p.target, resp.StatusCode(), resp.Body())
	})
}
