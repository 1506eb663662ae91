package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Reddit    RedditConfig    `yaml:"reddit" mapstructure:"reddit"`
	Analyst   AnalystConfig   `yaml:"analyst" mapstructure:"analyst"`
	Analysis  AnalysisConfig  `yaml:"analysis" mapstructure:"analysis"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the task tracker backing store.
type RedisConfig struct {
	URL         string        `yaml:"url" mapstructure:"url"`
	TaskTTL     time.Duration `yaml:"task_ttl" mapstructure:"task_ttl"`
	TerminalTTL time.Duration `yaml:"terminal_ttl" mapstructure:"terminal_ttl"`
}

// AnthropicConfig holds Anthropic API settings for the language capabilities
// (thesis extraction, duplicate arbitration, criticism analysis, descriptions).
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// OpenAIConfig holds settings for the embedding capability.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingDims  int    `yaml:"embedding_dims" mapstructure:"embedding_dims"`
}

// JinaConfig holds Jina Reader/Search settings used by the analyst source.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// RedditConfig configures the Reddit content source.
type RedditConfig struct {
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string   `yaml:"user_agent" mapstructure:"user_agent"`
	Subreddits    []string `yaml:"subreddits" mapstructure:"subreddits"`
	Timeframe     string   `yaml:"timeframe" mapstructure:"timeframe"`
	PostsPerQuery int      `yaml:"posts_per_query" mapstructure:"posts_per_query"`
	CommentLimit  int      `yaml:"comment_limit" mapstructure:"comment_limit"`
}

// AnalystConfig configures the analyst-article content source.
type AnalystConfig struct {
	Site     string `yaml:"site" mapstructure:"site"`
	MaxPosts int    `yaml:"max_posts" mapstructure:"max_posts"`
}

// ArbitrationPolicy decides what happens to candidate duplicates when the
// arbitration capability is unavailable.
const (
	ArbitrationFailClosed = "fail_closed" // discard candidates
	ArbitrationFailOpen   = "fail_open"   // admit candidates
)

// AnalysisConfig tunes the pipeline core.
type AnalysisConfig struct {
	// SimilarityThreshold is the cosine similarity above which a new point is
	// treated as a candidate duplicate. Depends on the embedding model's
	// output distribution, so it is configuration, not a constant.
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`

	// ArbitrationPolicy is fail_closed or fail_open.
	ArbitrationPolicy string `yaml:"arbitration_policy" mapstructure:"arbitration_policy"`

	// DescriptionMaxAge is how stale a ticker description may get before the
	// pipeline regenerates it.
	DescriptionMaxAge time.Duration `yaml:"description_max_age" mapstructure:"description_max_age"`

	// StageTimeout bounds each pipeline stage; an expired stage fails the run
	// instead of hanging on a stuck external call.
	StageTimeout time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`

	// MaxConcurrentPosts bounds the per-post fan-outs (extraction, criticism).
	MaxConcurrentPosts int `yaml:"max_concurrent_posts" mapstructure:"max_concurrent_posts"`

	// MaxConcurrentEmbeds bounds the embedding fan-out inside deduplication.
	MaxConcurrentEmbeds int `yaml:"max_concurrent_embeds" mapstructure:"max_concurrent_embeds"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EPISTEME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.task_ttl", "24h")
	v.SetDefault("redis.terminal_ttl", "1h")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.embedding_dims", 1536)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "episteme/1.0")
	v.SetDefault("reddit.subreddits", []string{"stocks", "investing", "valueinvesting", "wallstreetbets"})
	v.SetDefault("reddit.timeframe", "year")
	v.SetDefault("reddit.posts_per_query", 5)
	v.SetDefault("reddit.comment_limit", 10)
	v.SetDefault("analyst.site", "seekingalpha.com")
	v.SetDefault("analyst.max_posts", 3)
	v.SetDefault("analysis.similarity_threshold", 0.4)
	v.SetDefault("analysis.arbitration_policy", ArbitrationFailClosed)
	v.SetDefault("analysis.description_max_age", "1440h") // 60 days
	v.SetDefault("analysis.stage_timeout", "10m")
	v.SetDefault("analysis.max_concurrent_posts", 5)
	v.SetDefault("analysis.max_concurrent_embeds", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Analysis.ArbitrationPolicy != ArbitrationFailClosed &&
		cfg.Analysis.ArbitrationPolicy != ArbitrationFailOpen {
		return nil, eris.Errorf("config: invalid analysis.arbitration_policy %q", cfg.Analysis.ArbitrationPolicy)
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
