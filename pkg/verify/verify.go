// Package verify checks collected items before they are evaluated.
//
// A verify pass never mutates storage. It produces a Report of findings that
// a reviewer reads; removing flagged items is the separate, confirmed
// Cleaner step.
package verify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/polieval/pkg/metrics"
	"github.com/elonfeng/polieval/pkg/source"
)

// Reason classifies a finding.
type Reason string

const (
	ReasonMissingField       Reason = "missing_field"
	ReasonUnknownCategory    Reason = "unknown_category"
	ReasonUnknownTier        Reason = "unknown_tier"
	ReasonStale              Reason = "stale"
	ReasonUnreachable        Reason = "unreachable"
	ReasonDuplicateURL       Reason = "duplicate_url"
	ReasonNearDuplicateTitle Reason = "near_duplicate_title"
)

// Options tunes the checks.
type Options struct {
	// OfficialShare is the target fraction of official-tier items.
	OfficialShare  float64       `koanf:"official_share"`
	ShareTolerance float64       `koanf:"share_tolerance"`
	OfficialWindow time.Duration `koanf:"official_window"`
	PublicWindow   time.Duration `koanf:"public_window"`
	// TitleSimilarity is the Jaro-Winkler score at or above which two
	// titles in the same category are near-duplicates.
	TitleSimilarity float64 `koanf:"title_similarity"`
	CheckURLs       bool    `koanf:"check_urls"`
	Workers         int     `koanf:"workers"`
	// Now fixes the clock; zero means time.Now.
	Now time.Time `koanf:"-"`
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		OfficialShare:   0.5,
		ShareTolerance:  0.1,
		OfficialWindow:  4 * 365 * 24 * time.Hour,
		PublicWindow:    2 * 365 * 24 * time.Hour,
		TitleSimilarity: 0.92,
		CheckURLs:       true,
		Workers:         8,
	}
}

// Finding is one problem with one item.
type Finding struct {
	ItemID      string          `json:"item_id"`
	Category    source.Category `json:"category"`
	Title       string          `json:"title"`
	URL         string          `json:"source_url"`
	Reason      Reason          `json:"reason"`
	Detail      string          `json:"detail,omitempty"`
	DuplicateOf string          `json:"duplicate_of,omitempty"`
}

// Mix is the aggregate official/public split of a batch.
type Mix struct {
	Official      int     `json:"official"`
	Public        int     `json:"public"`
	OfficialShare float64 `json:"official_share"`
	Target        float64 `json:"target"`
	Tolerance     float64 `json:"tolerance"`
	OK            bool    `json:"ok"`
}

// Report is the outcome of one verify pass over one subject's items.
type Report struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Checked     int       `json:"checked"`
	Findings    []Finding `json:"findings"`
	Mix         Mix       `json:"mix"`
}

// Flagged returns the distinct IDs of flagged items in report order.
func (r *Report) Flagged() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.ItemID] {
			seen[f.ItemID] = true
			ids = append(ids, f.ItemID)
		}
	}
	return ids
}

// Counts returns findings per reason.
func (r *Report) Counts() map[Reason]int {
	out := make(map[Reason]int)
	for _, f := range r.Findings {
		out[f.Reason]++
	}
	return out
}

// Verifier runs the item checks.
type Verifier struct {
	opts    Options
	checker URLChecker
	logger  *zap.Logger
}

// New creates a Verifier. checker may be nil when URL checks are disabled.
func New(opts Options, checker URLChecker, logger *zap.Logger) *Verifier {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.TitleSimilarity <= 0 {
		opts.TitleSimilarity = def.TitleSimilarity
	}
	if opts.OfficialWindow <= 0 {
		opts.OfficialWindow = def.OfficialWindow
	}
	if opts.PublicWindow <= 0 {
		opts.PublicWindow = def.PublicWindow
	}
	return &Verifier{opts: opts, checker: checker, logger: logger.With(zap.String("component", "verify"))}
}

// Verify checks items for one subject. Per-item checks are independent: a
// failing URL check on one item never stops the others. The returned error
// is non-nil only when ctx is cancelled.
func (v *Verifier) Verify(ctx context.Context, subjectID string, items []source.Item) (*Report, error) {
	now := v.opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	perItem := make([][]Finding, len(items))
	for i, it := range items {
		perItem[i] = v.checkFields(it, now)
	}

	if v.opts.CheckURLs && v.checker != nil {
		if err := v.checkURLs(ctx, items, perItem); err != nil {
			return nil, err
		}
	}

	report := &Report{
		ID:          newReportID(subjectID, now),
		SubjectID:   subjectID,
		GeneratedAt: now,
		Checked:     len(items),
	}

	clean := make([]source.Item, 0, len(items))
	for i, fs := range perItem {
		if len(fs) == 0 {
			clean = append(clean, items[i])
		}
		report.Findings = append(report.Findings, fs...)
	}
	report.Findings = append(report.Findings, v.duplicates(clean)...)
	report.Mix = v.mix(items)

	for _, f := range report.Findings {
		metrics.RecordVerifyFinding(string(f.Reason))
	}
	v.logger.Info("verified",
		zap.String("subject", subjectID),
		zap.Int("checked", report.Checked),
		zap.Int("flagged", len(report.Flagged())),
		zap.Bool("mix_ok", report.Mix.OK))
	return report, nil
}

func finding(it source.Item, reason Reason, detail string) Finding {
	return Finding{ItemID: it.ID, Category: it.Category, Title: it.Title, URL: it.URL, Reason: reason, Detail: detail}
}

func (v *Verifier) checkFields(it source.Item, now time.Time) []Finding {
	var out []Finding

	var missing []string
	if strings.TrimSpace(it.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(it.Content) == "" {
		missing = append(missing, "content")
	}
	if strings.TrimSpace(it.URL) == "" {
		missing = append(missing, "source_url")
	}
	if it.PublishedAt.IsZero() {
		missing = append(missing, "published_date")
	}
	if len(missing) > 0 {
		out = append(out, finding(it, ReasonMissingField, strings.Join(missing, ", ")))
	}

	if !it.Category.Valid() {
		out = append(out, finding(it, ReasonUnknownCategory, string(it.Category)))
	}

	var window time.Duration
	switch it.Tier {
	case source.TierOfficial:
		window = v.opts.OfficialWindow
	case source.TierPublic:
		window = v.opts.PublicWindow
	default:
		out = append(out, finding(it, ReasonUnknownTier, string(it.Tier)))
	}

	if window > 0 && !it.PublishedAt.IsZero() {
		switch {
		case it.PublishedAt.Before(now.Add(-window)):
			out = append(out, finding(it, ReasonStale,
				fmt.Sprintf("published %s, %s window starts %s", it.PublishedAt.Format(time.DateOnly), it.Tier, now.Add(-window).Format(time.DateOnly))))
		case it.PublishedAt.After(now.Add(24 * time.Hour)):
			out = append(out, finding(it, ReasonStale,
				fmt.Sprintf("published %s is in the future", it.PublishedAt.Format(time.DateOnly))))
		}
	}
	return out
}

func (v *Verifier) checkURLs(ctx context.Context, items []source.Item, perItem [][]Finding) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)

	for i, it := range items {
		if strings.TrimSpace(it.URL) == "" {
			continue
		}
		g.Go(func() error {
			if err := v.checker.Check(gctx, it.URL); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				v.logger.Debug("unreachable", zap.String("item", it.ID), zap.String("url", it.URL), zap.Error(err))
				perItem[i] = append(perItem[i], finding(it, ReasonUnreachable, err.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}

// duplicates flags items repeating an earlier item's URL or near-repeating
// its title within the same category. The earliest item (by published date,
// then ID) is kept.
func (v *Verifier) duplicates(items []source.Item) []Finding {
	sorted := make([]source.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].PublishedAt.Equal(sorted[j].PublishedAt) {
			return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	type keptItem struct {
		item  source.Item
		url   string
		title string
	}
	kept := make(map[source.Category][]keptItem)

	var out []Finding
	for _, it := range sorted {
		nu, nt := NormalizeURL(it.URL), NormalizeTitle(it.Title)

		var f *Finding
		for _, k := range kept[it.Category] {
			if k.url == nu {
				d := finding(it, ReasonDuplicateURL, nu)
				d.DuplicateOf = k.item.ID
				f = &d
				break
			}
			if nt != "" && k.title != "" {
				if sim := matchr.JaroWinkler(nt, k.title, false); sim >= v.opts.TitleSimilarity {
					d := finding(it, ReasonNearDuplicateTitle, fmt.Sprintf("similarity %.2f", sim))
					d.DuplicateOf = k.item.ID
					f = &d
					break
				}
			}
		}
		if f != nil {
			out = append(out, *f)
			continue
		}
		kept[it.Category] = append(kept[it.Category], keptItem{item: it, url: nu, title: nt})
	}
	return out
}

func (v *Verifier) mix(items []source.Item) Mix {
	m := Mix{Target: v.opts.OfficialShare, Tolerance: v.opts.ShareTolerance}
	for _, it := range items {
		switch it.Tier {
		case source.TierOfficial:
			m.Official++
		case source.TierPublic:
			m.Public++
		}
	}
	total := m.Official + m.Public
	if total == 0 {
		m.OK = true
		return m
	}
	m.OfficialShare = float64(m.Official) / float64(total)
	m.OK = math.Abs(m.OfficialShare-m.Target) <= m.Tolerance+1e-9
	return m
}
