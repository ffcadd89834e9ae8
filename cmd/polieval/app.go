package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/config"
	"github.com/elonfeng/polieval/internal/logging"
	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/alert"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/pipeline"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/scoring"
	"github.com/elonfeng/polieval/pkg/source"
	"github.com/elonfeng/polieval/pkg/verify"
)

// app holds what every command needs, built once from the config.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	profiles *scoring.Registry
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	profiles := scoring.NewRegistry()
	if cfg.Profiles.File != "" {
		if err := profiles.LoadFile(cfg.Profiles.File); err != nil {
			return nil, err
		}
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{cfg: cfg, logger: logger, store: db, profiles: profiles}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Backend == "supabase" {
		return store.NewSupabase(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey, cfg.Storage.Timeout, cfg.Retry)
	}
	return store.New(cfg.Storage.Path)
}

func (a *app) Close() {
	a.store.Close()
	_ = a.logger.Sync()
}

// subjectFlags are the selectors shared by most commands.
type subjectFlags struct {
	id       string
	name     string
	category string
}

func (f subjectFlags) set() bool { return f.id != "" || f.name != "" }

func (f subjectFlags) categories() ([]source.Category, error) {
	if f.category == "" {
		return nil, nil
	}
	var out []source.Category
	for _, c := range strings.Split(f.category, ",") {
		cat, err := source.ParseCategory(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, nil
}

// resolveSubject finds exactly one subject by ID or name.
func (a *app) resolveSubject(ctx context.Context, f subjectFlags) (source.Subject, error) {
	if f.id != "" {
		subj, err := a.store.GetSubject(ctx, f.id)
		if errors.Is(err, store.ErrNotFound) {
			return source.Subject{}, fmt.Errorf("politician %s: %w", f.id, pipeline.ErrUnknownSubject)
		}
		if err != nil {
			return source.Subject{}, err
		}
		return *subj, nil
	}

	found, err := a.store.FindSubjects(ctx, f.name)
	if err != nil {
		return source.Subject{}, err
	}
	switch len(found) {
	case 0:
		return source.Subject{}, fmt.Errorf("politician %q: %w", f.name, pipeline.ErrUnknownSubject)
	case 1:
		return found[0], nil
	}
	ids := make([]string, len(found))
	for i, s := range found {
		ids[i] = s.ID
	}
	return source.Subject{}, fmt.Errorf("politician name %q is ambiguous (%s); use --politician_id", f.name, strings.Join(ids, ", "))
}

// resolveSubjects returns the selected subject, or every stored subject.
func (a *app) resolveSubjects(ctx context.Context, f subjectFlags) ([]source.Subject, error) {
	if f.set() {
		subj, err := a.resolveSubject(ctx, f)
		if err != nil {
			return nil, err
		}
		return []source.Subject{subj}, nil
	}
	return a.store.ListSubjects(ctx)
}

func (a *app) collectors() []source.Collector {
	cfg := a.cfg.Collect
	filter := source.NewFilter(cfg.ExcludeKeywords)

	var out []source.Collector
	if cfg.Naver.Enabled() {
		out = append(out, source.NewNaver(source.NaverOptions{
			ClientID:     cfg.Naver.ClientID,
			ClientSecret: cfg.Naver.ClientSecret,
			BaseURL:      cfg.Naver.BaseURL,
			Display:      cfg.Naver.Display,
			Retry:        a.cfg.Retry,
		}, filter, a.logger))
	}
	if cfg.YouTube.APIKey != "" {
		out = append(out, source.NewYouTube(source.YouTubeOptions{
			APIKey:     cfg.YouTube.APIKey,
			BaseURL:    cfg.YouTube.BaseURL,
			MaxResults: cfg.YouTube.MaxResults,
			MaxAge:     cfg.YouTube.MaxAge,
			Retry:      a.cfg.Retry,
		}, filter, a.logger))
	}
	if len(cfg.RSS.Feeds) > 0 {
		out = append(out, source.NewRSS(cfg.RSS.Feeds, filter, cfg.RSS.MaxAge, a.cfg.Retry, a.logger))
	}
	return out
}

func (a *app) ratingScale() (rating.Scale, error) {
	return rating.Lookup(a.cfg.Evaluate.Rating)
}

// evaluators builds every agent with an API key, optionally narrowed to the
// comma-separated names in only.
func (a *app) evaluators(ctx context.Context, only string) ([]evaluate.Evaluator, error) {
	scale, err := a.ratingScale()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.Evaluate

	wanted := make(map[string]bool)
	for _, n := range strings.Split(only, ",") {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			wanted[n] = true
		}
	}
	want := func(name string) bool { return len(wanted) == 0 || wanted[name] }

	var out []evaluate.Evaluator
	if cfg.Gemini.APIKey != "" && want("gemini") {
		g, err := evaluate.NewGemini(ctx, "gemini", scale, evaluate.GeminiOptions{
			APIKey: cfg.Gemini.APIKey, Model: cfg.Gemini.Model, BatchSize: cfg.BatchSize, Retry: a.cfg.Retry,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if cfg.OpenAI.APIKey != "" && want("chatgpt") {
		out = append(out, evaluate.NewChat("chatgpt", scale, evaluate.ChatOptions{
			Provider: "openai", Model: cfg.OpenAI.Model, APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL,
			BatchSize: cfg.BatchSize, Timeout: cfg.Timeout, Retry: a.cfg.Retry,
		}))
	}
	if cfg.Anthropic.APIKey != "" && want("claude") {
		out = append(out, evaluate.NewChat("claude", scale, evaluate.ChatOptions{
			Provider: "anthropic", Model: cfg.Anthropic.Model, APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL,
			BatchSize: cfg.BatchSize, Timeout: cfg.Timeout, Retry: a.cfg.Retry,
		}))
	}
	if len(out) == 0 {
		return nil, errors.New("no evaluator configured: set GEMINI_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return out, nil
}

func (a *app) verifier() *verify.Verifier {
	var checker verify.URLChecker
	if a.cfg.Verify.CheckURLs {
		checker = verify.NewHTTPChecker(a.cfg.Verify.URLTimeout, a.cfg.Retry)
	}
	return verify.New(a.cfg.Verify.Options, checker, a.logger)
}

func (a *app) alerts() *alert.Manager {
	cfg := a.cfg.Alerts
	var notifiers []alert.Notifier

	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.SlackWebhookURL, a.cfg.Retry))
	}
	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.DiscordWebhookURL, a.cfg.Retry))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, a.cfg.Retry))
	}
	return alert.NewManager(notifiers)
}

func (a *app) engine() *pipeline.Engine {
	var observer pipeline.GradeObserver
	if m := a.alerts(); m.HasNotifiers() {
		observer = m
	}
	return pipeline.NewEngine(a.store, a.profiles, observer, a.cfg.Schedule.Workers, a.logger)
}
