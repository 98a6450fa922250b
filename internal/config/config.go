package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"patentdesk"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"patentdesk"`

	// DataDir is the root of the durable artifact/progress store. Progress
	// snapshots live under <DataDir>/progress, job artifacts under
	// <DataDir>/jobs/<id>, scratch space under <DataDir>/scratch/<id>.
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// Extraction/conversion microservice fallback chain, tried in order.
	ExtractorURL          string `envconfig:"EXTRACTOR_URL" default:"http://mineru:8000"`
	ExtractorFallbackURLs string `envconfig:"EXTRACTOR_FALLBACK_URLS"`
	// External document processing is genuinely slow; these bound a single
	// submission, not a request/response exchange.
	ExtractorTimeoutMinutes int `envconfig:"EXTRACTOR_TIMEOUT_MINUTES" default:"10"`
	DownloadTimeoutMinutes  int `envconfig:"DOWNLOAD_TIMEOUT_MINUTES" default:"5"`

	// LLM providers. Model refs look like "openai/gpt-4o" or
	// "gemini/gemini-1.5-pro"; ModelChain is the per-segment fallback order
	// used when the requested model fails.
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	DeepSeekBaseURL string `envconfig:"DEEPSEEK_BASE_URL" default:"https://api.deepseek.com/v1"`
	DeepSeekAPIKey  string `envconfig:"DEEPSEEK_API_KEY"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	ModelChain      string `envconfig:"MODEL_CHAIN" default:"openai/gpt-4o-mini,deepseek/deepseek-chat"`

	LLMTimeoutMinutes        int `envconfig:"LLM_TIMEOUT_MINUTES" default:"5"`
	SummaryLLMTimeoutMinutes int `envconfig:"SUMMARY_LLM_TIMEOUT_MINUTES" default:"15"`

	// Segmenter budgets, in estimated tokens.
	MaxTokensPerSegment int `envconfig:"MAX_TOKENS_PER_SEGMENT" default:"6500"`
	OverlapTokens       int `envconfig:"OVERLAP_TOKENS" default:"500"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	// When false, jobs run as detached goroutines in the API process instead
	// of being published to NSQ.
	EnableNSQDispatch    bool `envconfig:"ENABLE_NSQ_DISPATCH" default:"false"`
	EnableDispatchWorker bool `envconfig:"ENABLE_DISPATCH_WORKER" default:"false"`
	DispatchConcurrency  int  `envconfig:"DISPATCH_CONCURRENCY" default:"4"`

	EnableAPI     bool   `envconfig:"ENABLE_API" default:"true"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Poll rate limiting for the progress endpoint.
	PollWindowSeconds  int `envconfig:"POLL_WINDOW_SECONDS" default:"5"`
	PollLimitPerWindow int `envconfig:"POLL_LIMIT_PER_WINDOW" default:"10"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root.
	// Ignore errors, as env vars might be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: DATA_DIR", ErrMissingRequired)
	}
	if c.MaxTokensPerSegment <= 0 {
		return fmt.Errorf("%w: MAX_TOKENS_PER_SEGMENT must be positive", ErrMissingRequired)
	}
	return nil
}

// ExtractorChain returns the ordered list of extractor base URLs, primary first.
func (c *Config) ExtractorChain() []string {
	urls := []string{c.ExtractorURL}
	for _, u := range strings.Split(c.ExtractorFallbackURLs, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *Config) ExtractorTimeout() time.Duration {
	return time.Duration(c.ExtractorTimeoutMinutes) * time.Minute
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutMinutes) * time.Minute
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMinutes) * time.Minute
}

func (c *Config) SummaryLLMTimeout() time.Duration {
	return time.Duration(c.SummaryLLMTimeoutMinutes) * time.Minute
}
