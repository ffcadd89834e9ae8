package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/source"
	"github.com/elonfeng/polieval/pkg/verify"
)

// EnvPrefix prefixes every environment override; "__" separates levels,
// e.g. POLIEVAL_STORAGE__BACKEND=supabase.
const EnvPrefix = "POLIEVAL_"

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "config.yaml"

// Config is the root configuration.
type Config struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // auto, console or json

	Storage  StorageConfig  `koanf:"storage"`
	Retry    retry.Policy   `koanf:"retry"`
	Profiles ProfilesConfig `koanf:"profiles"`
	Collect  CollectConfig  `koanf:"collect"`
	Evaluate EvaluateConfig `koanf:"evaluate"`
	Verify   VerifyConfig   `koanf:"verify"`
	Alerts   AlertsConfig   `koanf:"alerts"`
	Server   ServerConfig   `koanf:"server"`
	Schedule ScheduleConfig `koanf:"schedule"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Backend     string        `koanf:"backend"` // sqlite or supabase
	Path        string        `koanf:"path"`
	SupabaseURL string        `koanf:"supabase_url"`
	SupabaseKey string        `koanf:"supabase_key"`
	Timeout     time.Duration `koanf:"timeout"`
}

// ProfilesConfig points at an optional catalog of extra scoring profiles.
type ProfilesConfig struct {
	File string `koanf:"file"`
}

// CollectConfig configures the collectors.
type CollectConfig struct {
	Naver           NaverConfig   `koanf:"naver"`
	YouTube         YouTubeConfig `koanf:"youtube"`
	RSS             RSSConfig     `koanf:"rss"`
	ExcludeKeywords []string      `koanf:"exclude_keywords"`
}

// NaverConfig for the Naver news search collector.
type NaverConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	BaseURL      string `koanf:"base_url"`
	Display      int    `koanf:"display"`
}

// Enabled reports whether credentials are present.
func (n NaverConfig) Enabled() bool { return n.ClientID != "" && n.ClientSecret != "" }

// YouTubeConfig for the YouTube search collector; disabled without a key.
type YouTubeConfig struct {
	APIKey     string        `koanf:"api_key"`
	BaseURL    string        `koanf:"base_url"`
	MaxResults int           `koanf:"max_results"`
	MaxAge     time.Duration `koanf:"max_age"`
}

// RSSConfig for the feed collector.
type RSSConfig struct {
	Feeds  []source.RSSFeed `koanf:"feeds"`
	MaxAge time.Duration    `koanf:"max_age"`
}

// EvaluateConfig configures the evaluating agents. An agent without an API
// key is not registered.
type EvaluateConfig struct {
	// Rating is the label scale agents are asked to use.
	Rating    string        `koanf:"rating"`
	BatchSize int           `koanf:"batch_size"`
	Timeout   time.Duration `koanf:"timeout"`
	Gemini    AgentConfig   `koanf:"gemini"`
	OpenAI    AgentConfig   `koanf:"openai"`
	Anthropic AgentConfig   `koanf:"anthropic"`
}

// AgentConfig is one LLM provider.
type AgentConfig struct {
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
}

// VerifyConfig holds the verifier thresholds plus where reports go.
type VerifyConfig struct {
	verify.Options `koanf:",squash"`

	URLTimeout time.Duration `koanf:"url_timeout"`
	ReportDir  string        `koanf:"report_dir"`
}

// AlertsConfig configures grade-change destinations. Empty URLs disable a
// destination.
type AlertsConfig struct {
	SlackWebhookURL   string `koanf:"slack_webhook_url"`
	DiscordWebhookURL string `koanf:"discord_webhook_url"`
	WebhookURL        string `koanf:"webhook_url"`
	WebhookSecret     string `koanf:"webhook_secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// ScheduleConfig configures the daemon loop.
type ScheduleConfig struct {
	Interval time.Duration `koanf:"interval"`
	// Profile is the scoring profile the loop writes. It has no default.
	Profile    string   `koanf:"profile"`
	Subjects   []string `koanf:"subjects"`
	Categories []string `koanf:"categories"`
	Workers    int      `koanf:"workers"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "auto",
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "./polieval.db",
			Timeout: 30 * time.Second,
		},
		Retry: retry.DefaultPolicy(),
		Collect: CollectConfig{
			Naver:   NaverConfig{Display: 50},
			YouTube: YouTubeConfig{MaxResults: 20, MaxAge: 2 * 365 * 24 * time.Hour},
			RSS: RSSConfig{
				Feeds: []source.RSSFeed{
					{Name: "대한민국 정책브리핑", URL: "https://www.korea.kr/rss/policy.xml", Tier: source.TierOfficial},
					{Name: "국회뉴스ON", URL: "https://www.assembly.go.kr/portal/rss/news.do", Tier: source.TierOfficial},
				},
				MaxAge: 2 * 365 * 24 * time.Hour,
			},
		},
		Evaluate: EvaluateConfig{
			Rating:    "step8",
			BatchSize: 20,
			Timeout:   2 * time.Minute,
			Gemini:    AgentConfig{Model: "gemini-2.5-flash"},
			OpenAI:    AgentConfig{Model: "gpt-4o-mini"},
			Anthropic: AgentConfig{Model: "claude-sonnet-4-20250514"},
		},
		Verify: VerifyConfig{
			Options:    verify.DefaultOptions(),
			URLTimeout: 10 * time.Second,
			ReportDir:  "./reports",
		},
		Server: ServerConfig{Addr: ":8080"},
		Schedule: ScheduleConfig{
			Interval: 6 * time.Hour,
			Workers:  4,
		},
	}
}

// Load layers, low to high: defaults, the YAML file at path (or
// ./config.yaml when path is empty and the file exists), a .env file in the
// working directory, POLIEVAL_* variables, and the well-known provider
// variables such as GEMINI_API_KEY.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	// A configured feed list replaces the defaults instead of merging into them.
	if k.Exists("collect.rss.feeds") {
		cfg.Collect.RSS.Feeds = nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with the provider variables the
// collection and evaluation scripts have always used.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Storage.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		cfg.Storage.SupabaseKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Evaluate.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Evaluate.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Evaluate.Anthropic.APIKey = v
	}
	if v := os.Getenv("NAVER_CLIENT_ID"); v != "" {
		cfg.Collect.Naver.ClientID = v
	}
	if v := os.Getenv("NAVER_CLIENT_SECRET"); v != "" {
		cfg.Collect.Naver.ClientSecret = v
	}
	if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
		cfg.Collect.YouTube.APIKey = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.SlackWebhookURL = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.DiscordWebhookURL = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %w", err)
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		add("log_format: %q is not auto, console or json", c.LogFormat)
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage.path is required for sqlite")
		}
	case "supabase":
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			add("storage: supabase needs SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	default:
		add("storage.backend: %q is not sqlite or supabase", c.Storage.Backend)
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}

	for i, f := range c.Collect.RSS.Feeds {
		if f.URL == "" {
			add("collect.rss.feeds[%d]: url is required", i)
		}
		if f.Tier != "" {
			if _, err := source.ParseTier(string(f.Tier)); err != nil {
				add("collect.rss.feeds[%d]: %w", i, err)
			}
		}
	}

	v := c.Verify
	if v.OfficialShare < 0 || v.OfficialShare > 1 {
		add("verify.official_share %g is outside [0,1]", v.OfficialShare)
	}
	if v.ShareTolerance < 0 || v.ShareTolerance > 1 {
		add("verify.share_tolerance %g is outside [0,1]", v.ShareTolerance)
	}
	if v.OfficialWindow <= 0 || v.PublicWindow <= 0 {
		add("verify windows must be positive")
	}
	if v.TitleSimilarity <= 0 || v.TitleSimilarity > 1 {
		add("verify.title_similarity %g is outside (0,1]", v.TitleSimilarity)
	}
	if v.Workers < 1 {
		add("verify.workers must be at least 1")
	}

	if _, err := rating.Lookup(c.Evaluate.Rating); err != nil {
		add("evaluate.rating: %w", err)
	}
	if c.Evaluate.BatchSize < 1 {
		add("evaluate.batch_size must be at least 1")
	}
	if c.Schedule.Interval <= 0 {
		add("schedule.interval must be positive")
	}
	for _, name := range c.Schedule.Categories {
		if _, err := source.ParseCategory(name); err != nil {
			add("schedule.categories: %w", err)
		}
	}
	return errors.Join(errs...)
}
