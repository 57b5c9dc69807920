package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the clausechat backend.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// GeneralConfig contains server-wide settings.
type GeneralConfig struct {
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
	LogLevel  string `mapstructure:"log_level"`
	Debug     bool   `mapstructure:"debug"`
}

// StorageConfig groups the durable stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port, or empty when redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" || r.Port == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// BlobConfig locates the document blob store.
type BlobConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProvidersConfig contains external model provider settings.
type ProvidersConfig struct {
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	DocIntel DocIntelConfig `mapstructure:"docintel"`
}

type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// DocIntelConfig points at the OCR / document intelligence service.
// When Endpoint is empty the pipeline falls back to local PDF text
// extraction, which is good enough for development.
type DocIntelConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// UploadsConfig bounds what the ingestor accepts.
type UploadsConfig struct {
	MaxBytes     int64    `mapstructure:"max_bytes"`
	AllowedMimes []string `mapstructure:"allowed_mimes"`
}

// PipelineConfig carries the tunables of the processing and retrieval
// pipeline. The defaults mirror values that were tuned empirically, so
// they are deliberately configuration rather than constants.
type PipelineConfig struct {
	OCRAttempts        int           `mapstructure:"ocr_attempts"`
	OCRBackoff         time.Duration `mapstructure:"ocr_backoff"`
	AnnotationPages    int           `mapstructure:"annotation_pages"`
	ChunkTargetWords   int           `mapstructure:"chunk_target_words"`
	ChunkOverlapWords  int           `mapstructure:"chunk_overlap_words"`
	InsertBatchSize    int           `mapstructure:"insert_batch_size"`
	SimilarityFloor    float64       `mapstructure:"similarity_floor"`
	HybridLimit        int           `mapstructure:"hybrid_limit"`
	KeywordLimit       int           `mapstructure:"keyword_limit"`
	CategoryLimit      int           `mapstructure:"category_limit"`
	ContextBlocks      int           `mapstructure:"context_blocks"`
	JobStaleAfter      time.Duration `mapstructure:"job_stale_after"`
	ReaperCron         string        `mapstructure:"reaper_cron"`
}

// RateLimitConfig gates the chat turn path.
type RateLimitConfig struct {
	ChatPerMinute int `mapstructure:"chat_per_minute"`
}

func (c *Config) Validate() error {
	if c.General.JWTSecret == "" {
		return fmt.Errorf("general.jwt_secret is required")
	}
	if c.Storage.Blob.Dir == "" {
		return fmt.Errorf("storage.blob.dir is required")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	return nil
}

// LoadConfig reads configuration from the given path (or ./config.yaml)
// with CLAUSECHAT_* environment overrides and pipeline defaults applied.
func LoadConfig(cfgPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CLAUSECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// config file is optional; env + defaults may be enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgPath != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.listen", ":8080")
	v.SetDefault("general.log_level", "info")

	v.SetDefault("storage.blob.dir", "data/blobs")

	v.SetDefault("providers.openai.completion_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.openai.temperature", 0.2)
	v.SetDefault("providers.openai.max_tokens", 2048)
	v.SetDefault("providers.openai.timeout", 60*time.Second)
	v.SetDefault("providers.docintel.timeout", 90*time.Second)

	v.SetDefault("uploads.max_bytes", int64(50*1024*1024))
	v.SetDefault("uploads.allowed_mimes", []string{
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"image/jpeg",
		"image/png",
		"image/webp",
		"image/tiff",
	})

	v.SetDefault("pipeline.ocr_attempts", 3)
	v.SetDefault("pipeline.ocr_backoff", 2*time.Second)
	v.SetDefault("pipeline.annotation_pages", 8)
	v.SetDefault("pipeline.chunk_target_words", 400)
	v.SetDefault("pipeline.chunk_overlap_words", 50)
	v.SetDefault("pipeline.insert_batch_size", 100)
	v.SetDefault("pipeline.similarity_floor", 0.15)
	v.SetDefault("pipeline.hybrid_limit", 15)
	v.SetDefault("pipeline.keyword_limit", 10)
	v.SetDefault("pipeline.category_limit", 10)
	v.SetDefault("pipeline.context_blocks", 12)
	v.SetDefault("pipeline.job_stale_after", 15*time.Minute)
	v.SetDefault("pipeline.reaper_cron", "*/10 * * * *")

	v.SetDefault("ratelimit.chat_per_minute", 20)
}
