package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/retry"
)

const naverBaseURL = "https://openapi.naver.com"

// NaverOptions configures the Naver news search collector.
type NaverOptions struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	// Display is the number of results per query (max 100).
	Display int
	Retry   retry.Policy
}

// Naver collects news articles from the Naver news search API.
type Naver struct {
	client *resty.Client
	opts   NaverOptions
	filter *Filter
	logger *zap.Logger
}

// NewNaver creates a new Naver news collector.
func NewNaver(opts NaverOptions, filter *Filter, logger *zap.Logger) *Naver {
	if opts.BaseURL == "" {
		opts.BaseURL = naverBaseURL
	}
	if opts.Display <= 0 || opts.Display > 100 {
		opts.Display = 20
	}
	if filter == nil {
		filter = NewFilter(nil)
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(30*time.Second).
		SetHeader("X-Naver-Client-Id", opts.ClientID).
		SetHeader("X-Naver-Client-Secret", opts.ClientSecret)

	return &Naver{
		client: client,
		opts:   opts,
		filter: filter,
		logger: logger.With(zap.String("component", "naver")),
	}
}

func (n *Naver) Name() string { return "naver" }

type naverResponse struct {
	Items []struct {
		Title        string `json:"title"`
		OriginalLink string `json:"originallink"`
		Link         string `json:"link"`
		Description  string `json:"description"`
		PubDate      string `json:"pubDate"`
	} `json:"items"`
}

func (n *Naver) Collect(ctx context.Context, subject Subject, category Category) ([]Item, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("naver: unknown category %q", category)
	}
	query := Query(subject, category)

	var result naverResponse
	err := retry.Do(ctx, n.opts.Retry, "naver", func(ctx context.Context) error {
		resp, err := n.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"query":   query,
				"display": fmt.Sprint(n.opts.Display),
				"sort":    "date",
			}).
			SetResult(&result).
			Get("/v1/search/news.json")
		if err != nil {
			return fmt.Errorf("search naver news: %w", err)
		}
		return retry.CheckStatus("naver", resp.StatusCode(), resp.Body())
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var items []Item
	for _, r := range result.Items {
		title := htmlText(r.Title)
		desc := htmlText(r.Description)
		if !n.filter.MatchesSubject(title+" "+desc, subject) {
			continue
		}

		link := r.OriginalLink
		if link == "" {
			link = r.Link
		}
		if link == "" {
			continue
		}

		published, err := time.Parse(time.RFC1123Z, r.PubDate)
		if err != nil {
			n.logger.Debug("unparseable pubDate", zap.String("url", link), zap.String("pub_date", r.PubDate))
		}

		items = append(items, Item{
			ID:          ItemID(subject.ID, category, link),
			SubjectID:   subject.ID,
			Category:    category,
			Title:       title,
			Content:     truncate(desc, 500),
			URL:         link,
			SourceName:  hostName(link),
			PublishedAt: published.UTC(),
			Collector:   n.Name(),
			Tier:        TierPublic,
			CollectedAt: now,
		})
	}

	n.logger.Debug("collected",
		zap.String("subject", subject.ID),
		zap.String("category", string(category)),
		zap.Int("results", len(result.Items)),
		zap.Int("kept", len(items)))
	return items, nil
}

// htmlText strips markup such as the <b> highlight tags search APIs wrap
// around matched terms and decodes entities.
func htmlText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func hostName(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
