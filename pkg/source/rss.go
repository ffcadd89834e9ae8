package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/retry"
)

// RSSFeed is a named RSS/Atom feed with the tier its entries are filed under.
type RSSFeed struct {
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
	Tier Tier   `koanf:"tier"`
}

// RSS collects subject mentions from RSS/Atom feeds such as party press
// rooms and assembly notices.
type RSS struct {
	client *resty.Client
	parser *gofeed.Parser
	feeds  []RSSFeed
	filter *Filter
	policy retry.Policy
	maxAge time.Duration
	logger *zap.Logger
}

// NewRSS creates a new RSS collector. Entries older than maxAge are skipped;
// zero keeps everything.
func NewRSS(feeds []RSSFeed, filter *Filter, maxAge time.Duration, policy retry.Policy, logger *zap.Logger) *RSS {
	if filter == nil {
		filter = NewFilter(nil)
	}
	return &RSS{
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "polieval/1.0"),
		parser: gofeed.NewParser(),
		feeds:  feeds,
		filter: filter,
		policy: policy,
		maxAge: maxAge,
		logger: logger.With(zap.String("component", "rss")),
	}
}

func (r *RSS) Name() string { return "rss" }

// Collect reads every feed and keeps entries that name the subject and match
// one of the category's keywords. A broken feed is logged and skipped; the
// call fails only when every feed failed.
func (r *RSS) Collect(ctx context.Context, subject Subject, category Category) ([]Item, error) {
	var (
		all  []Item
		errs []error
	)
	for _, feed := range r.feeds {
		items, err := r.collectFeed(ctx, feed, subject, category)
		if err != nil {
			r.logger.Warn("feed failed", zap.String("feed", feed.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		all = append(all, items...)
	}

	if len(r.feeds) > 0 && len(errs) == len(r.feeds) {
		return nil, errors.Join(errs...)
	}
	return all, nil
}

func (r *RSS) collectFeed(ctx context.Context, feed RSSFeed, subject Subject, category Category) ([]Item, error) {
	var body []byte
	err := retry.Do(ctx, r.policy, "rss", func(ctx context.Context) error {
		resp, err := r.client.R().SetContext(ctx).Get(feed.URL)
		if err != nil {
			return fmt.Errorf("fetch rss %s: %w", feed.Name, err)
		}
		if err := retry.CheckStatus("rss "+feed.Name, resp.StatusCode(), nil); err != nil {
			return err
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}

	parsed, err := r.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse rss %s: %w", feed.Name, err)
	}

	tier := feed.Tier
	if tier == "" {
		tier = TierPublic
	}

	now := time.Now().UTC()
	var items []Item
	for _, entry := range parsed.Items {
		var published time.Time
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}
		if r.maxAge > 0 && !published.IsZero() && published.Before(now.Add(-r.maxAge)) {
			continue
		}

		desc := htmlText(entry.Description)
		text := entry.Title + " " + desc
		if !r.filter.MatchesSubject(text, subject) || !MatchesCategory(text, category) {
			continue
		}

		link := entry.Link
		if link == "" && len(entry.Links) > 0 {
			link = entry.Links[0]
		}
		if link == "" {
			continue
		}

		items = append(items, Item{
			ID:          ItemID(subject.ID, category, link),
			SubjectID:   subject.ID,
			Category:    category,
			Title:       htmlText(entry.Title),
			Content:     truncate(desc, 500),
			URL:         link,
			SourceName:  feed.Name,
			PublishedAt: published,
			Collector:   r.Name(),
			Tier:        tier,
			CollectedAt: now,
		})
	}

	return items, nil
}
