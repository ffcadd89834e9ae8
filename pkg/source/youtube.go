package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/retry"
)

const youtubeBaseURL = "https://www.googleapis.com/youtube/v3"

// YouTubeOptions configures the YouTube search collector.
type YouTubeOptions struct {
	APIKey  string
	BaseURL string
	// MaxResults per query (max 50).
	MaxResults int
	// MaxAge drops videos published earlier than now-MaxAge.
	MaxAge time.Duration
	Retry  retry.Policy
}

// YouTube collects Korean-region videos that mention the subject.
type YouTube struct {
	client *resty.Client
	opts   YouTubeOptions
	filter *Filter
	logger *zap.Logger
	now    func() time.Time
}

// NewYouTube creates a new YouTube collector.
func NewYouTube(opts YouTubeOptions, filter *Filter, logger *zap.Logger) *YouTube {
	if opts.BaseURL == "" {
		opts.BaseURL = youtubeBaseURL
	}
	if opts.MaxResults <= 0 || opts.MaxResults > 50 {
		opts.MaxResults = 20
	}
	if filter == nil {
		filter = NewFilter(nil)
	}
	return &YouTube{
		client: resty.New().SetBaseURL(opts.BaseURL).SetTimeout(30 * time.Second),
		opts:   opts,
		filter: filter,
		logger: logger.With(zap.String("component", "youtube")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (y *YouTube) Name() string { return "youtube" }

type ytSearchResult struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet ytSnippet `json:"snippet"`
	} `json:"items"`
}

type ytSnippet struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ChannelTitle string    `json:"channelTitle"`
	PublishedAt  time.Time `json:"publishedAt"`
}

func (y *YouTube) Collect(ctx context.Context, subject Subject, category Category) ([]Item, error) {
	if y.opts.APIKey == "" {
		return nil, errors.New("youtube: API key required (set YOUTUBE_API_KEY)")
	}
	if !category.Valid() {
		return nil, fmt.Errorf("youtube: unknown category %q", category)
	}

	now := y.now()
	params := map[string]string{
		"part":              "snippet",
		"q":                 Query(subject, category),
		"type":              "video",
		"order":             "date",
		"regionCode":        "KR",
		"relevanceLanguage": "ko",
		"maxResults":        strconv.Itoa(y.opts.MaxResults),
		"key":               y.opts.APIKey,
	}
	if y.opts.MaxAge > 0 {
		params["publishedAfter"] = now.Add(-y.opts.MaxAge).Format(time.RFC3339)
	}

	var result ytSearchResult
	err := retry.Do(ctx, y.opts.Retry, "youtube", func(ctx context.Context) error {
		resp, err := y.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&result).
			Get("/search")
		if err != nil {
			return fmt.Errorf("search youtube: %w", err)
		}
		return retry.CheckStatus("youtube", resp.StatusCode(), resp.Body())
	})
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, r := range result.Items {
		videoID := r.ID.VideoID
		if videoID == "" {
			continue
		}
		title := htmlText(r.Snippet.Title)
		desc := htmlText(r.Snippet.Description)
		if !y.filter.MatchesSubject(title+" "+desc, subject) {
			continue
		}

		link := "https://www.youtube.com/watch?v=" + videoID
		items = append(items, Item{
			ID:          ItemID(subject.ID, category, link),
			SubjectID:   subject.ID,
			Category:    category,
			Title:       title,
			Content:     truncate(desc, 500),
			URL:         link,
			SourceName:  r.Snippet.ChannelTitle,
			PublishedAt: r.Snippet.PublishedAt.UTC(),
			Collector:   y.Name(),
			Tier:        TierPublic,
			CollectedAt: now,
		})
	}

	y.logger.Debug("collected",
		zap.String("subject", subject.ID),
		zap.String("category", string(category)),
		zap.Int("results", len(result.Items)),
		zap.Int("kept", len(items)))
	return items, nil
}
