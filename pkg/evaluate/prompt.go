package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
)

const batchPrompt = `You are a strict, non-partisan evaluator of Korean politicians. You will read evidence items collected about %s (%s) and rate how each item reflects on the politician in the category it was collected for.

Categories:
- expertise: policy knowledge and professional competence
- leadership: ability to lead, coordinate and decide
- vision: long-term goals and coherent platform
- integrity: honesty and consistency between words and deeds
- ethics: compliance with law and ethical standards
- accountability: owning results and mistakes
- transparency: disclosure of activities, assets and decisions
- communication: engagement with citizens and media
- responsiveness: handling constituent requests and crises
- public-interest: serving the public over private or party interest

Allowed ratings: %s
- positive labels mean the item reflects well, negative labels mean it reflects badly, larger magnitude means stronger evidence
- use "X" when the item is not about this politician, is not about the category, or carries no evaluative content

Items:
%s

Respond with a JSON array. Each element must have: "id" (the item ID), "rating" (one allowed rating, as a string), "rationale" (one sentence).
Example: [{"id":"3f2a...","rating":"+2","rationale":"Led the committee that passed the bill."}]

Return ONLY the JSON array, no other text.`

// result is the per-item answer an agent returns.
type result struct {
	ID        string          `json:"id"`
	Rating    json.RawMessage `json:"rating"`
	Rationale string          `json:"rationale"`
}

// label accepts both "+2" and 2 from the model.
func (r result) label() string {
	var s string
	if err := json.Unmarshal(r.Rating, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Rating))
}

func allowedLabels(scale rating.Scale) string {
	labels := []string{}
	if l, ok := scale.(interface{ Labels() []string }); ok {
		labels = l.Labels()
	} else {
		lo, hi := scale.Bounds()
		for n := hi; n >= lo; n-- {
			labels = append(labels, fmt.Sprintf("%+d", n))
		}
	}
	labels = append(labels, rating.Exclude)
	return strings.Join(labels, ", ")
}

func buildPrompt(scale rating.Scale, subject source.Subject, items []source.Item) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		line := fmt.Sprintf("- ID: %s | Category: %s | Source: %s | Title: %s",
			item.ID, item.Category, item.SourceName, item.Title)
		if item.Content != "" {
			line += " | Content: " + clip(item.Content, 300)
		}
		if !item.PublishedAt.IsZero() {
			line += " | Date: " + item.PublishedAt.Format("2006-01-02")
		}
		lines = append(lines, line)
	}

	who := subject.Position
	if subject.Party != "" {
		who = strings.TrimSpace(subject.Party + " " + who)
	}
	return fmt.Sprintf(batchPrompt, subject.Name, who, allowedLabels(scale), strings.Join(lines, "\n"))
}

// parseResponse decodes the model's JSON array, tolerating a markdown fence.
func parseResponse(raw string) ([]result, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var results []result
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, fmt.Errorf("parse model response: %w\nraw: %s", err, clip(raw, 500))
	}
	return results, nil
}

// assemble maps results back onto the items they rate. Results naming
// unknown IDs are dropped; labels are kept verbatim so Validate can reject
// anything off-scale.
func assemble(agent string, scale rating.Scale, items []source.Item, results []result, now time.Time) []Evaluation {
	byID := make(map[string]source.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	evs := make([]Evaluation, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		item, ok := byID[r.ID]
		if !ok || seen[r.ID] {
			continue
		}
		seen[r.ID] = true

		label := r.label()
		ev := Evaluation{
			ID:          ID(item.ID, agent),
			ItemID:      item.ID,
			SubjectID:   item.SubjectID,
			Category:    item.Category,
			Evaluator:   agent,
			RatingLabel: label,
			Rationale:   r.Rationale,
			EvaluatedAt: now,
		}
		if v, err := scale.Normalize(label); err == nil {
			ev.RatingLabel = v.Label
			ev.Score = v.Score
		}
		evs = append(evs, ev)
	}
	return evs
}

// completer sends one prompt and returns the raw model text.
type completer func(ctx context.Context, prompt string) (string, error)

// runBatches splits items into chunks of size and rates each chunk. A failed
// chunk is reported but does not stop the remaining chunks.
func runBatches(ctx context.Context, agent string, scale rating.Scale, subject source.Subject, items []source.Item, size int, call completer) ([]Evaluation, error) {
	if size <= 0 {
		size = 20
	}

	var (
		out  []Evaluation
		errs []error
	)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunk := items[start:end]

		raw, err := call(ctx, buildPrompt(scale, subject, chunk))
		if err == nil {
			var results []result
			results, err = parseResponse(raw)
			if err == nil {
				out = append(out, assemble(agent, scale, chunk, results, time.Now().UTC())...)
				continue
			}
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: items %d-%d: %w", agent, start, end-1, err))
	}
	return out, errors.Join(errs...)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
