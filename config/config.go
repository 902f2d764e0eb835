package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the media pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bleve    BleveConfig    `mapstructure:"bleve"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, building one from parts when no URL is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// BleveConfig locates the keyword index on disk.
type BleveConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig contains external analysis/embedding provider settings.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Costs  CostsConfig  `mapstructure:"costs"`
}

// CostsConfig prices external calls in USD. Analysis calls are flat per
// attempt; embeddings are priced per 1K tokens of input.
type CostsConfig struct {
	VisionPerCall        float64 `mapstructure:"vision_per_call"`
	TranscriptionPerCall float64 `mapstructure:"transcription_per_call"`
	TextAnalyticsPerCall float64 `mapstructure:"text_analytics_per_call"`
	CelebrityPerCall     float64 `mapstructure:"celebrity_per_call"`
	EmbeddingPer1K       float64 `mapstructure:"embedding_per_1k_tokens"`
}

// Normalize applies default prices for unset cost values.
func (c CostsConfig) Normalize() CostsConfig {
	if c.VisionPerCall <= 0 {
		c.VisionPerCall = 0.01
	}
	if c.TranscriptionPerCall <= 0 {
		c.TranscriptionPerCall = 0.06
	}
	if c.TextAnalyticsPerCall <= 0 {
		c.TextAnalyticsPerCall = 0.01
	}
	if c.CelebrityPerCall <= 0 {
		c.CelebrityPerCall = 0.02
	}
	if c.EmbeddingPer1K <= 0 {
		c.EmbeddingPer1K = 0.00002
	}
	return c
}

// OpenAIConfig configures the OpenAI-backed adapters and embedding provider.
type OpenAIConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	VisionModel        string        `mapstructure:"vision_model"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	AnalysisModel      string        `mapstructure:"analysis_model"`
	EmbeddingModel     string        `mapstructure:"embedding_model"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxCallRetries     int           `mapstructure:"max_call_retries"`
}

// PipelineConfig controls job scheduling and retry behaviour.
type PipelineConfig struct {
	MaxAttempts      int            `mapstructure:"max_attempts"`
	RetryBaseDelay   time.Duration  `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration  `mapstructure:"retry_max_delay"`
	ClaimTimeout     time.Duration  `mapstructure:"claim_timeout"`
	PollInterval     time.Duration  `mapstructure:"poll_interval"`
	Concurrency      map[string]int `mapstructure:"concurrency"`
	JanitorCron      string         `mapstructure:"janitor_cron"`
	HistoryRetention time.Duration  `mapstructure:"history_retention"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = 30 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 15 * time.Minute
	}
	if p.ClaimTimeout <= 0 {
		p.ClaimTimeout = 10 * time.Minute
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if strings.TrimSpace(p.JanitorCron) == "" {
		p.JanitorCron = "*/5 * * * *"
	}
	return p
}

// EmbeddingConfig controls the embedding service and its cache.
type EmbeddingConfig struct {
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	MaxChars   int           `mapstructure:"max_chars"`
}

// Normalize applies defaults for unset embedding values.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if strings.TrimSpace(e.Model) == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = 24 * time.Hour
	}
	if e.MaxChars <= 0 {
		e.MaxChars = 8000
	}
	return e
}

// SearchConfig controls ranking, result caching and keyword index upkeep.
type SearchConfig struct {
	MaxDistance  float64       `mapstructure:"max_distance"`
	DefaultLimit int           `mapstructure:"default_limit"`
	MaxLimit     int           `mapstructure:"max_limit"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	// ReindexInterval paces the keyword index reconcile against Postgres.
	ReindexInterval time.Duration `mapstructure:"reindex_interval"`
}

// Normalize applies defaults for unset search values.
func (s SearchConfig) Normalize() SearchConfig {
	if s.MaxDistance <= 0 {
		s.MaxDistance = 0.8
	}
	if s.DefaultLimit <= 0 {
		s.DefaultLimit = 20
	}
	if s.MaxLimit <= 0 {
		s.MaxLimit = 100
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = time.Minute
	}
	if s.ReindexInterval <= 0 {
		s.ReindexInterval = time.Minute
	}
	return s
}

// BudgetConfig defines per-tier monthly spend ceilings in USD.
type BudgetConfig struct {
	Ceilings map[string]float64 `mapstructure:"ceilings"`
	Currency string             `mapstructure:"currency"`
}

// Normalize applies defaults for unset budget values.
func (b BudgetConfig) Normalize() BudgetConfig {
	if b.Ceilings == nil {
		b.Ceilings = map[string]float64{"free": 1.0, "standard": 10.0, "pro": 100.0}
	}
	if strings.TrimSpace(b.Currency) == "" {
		b.Currency = "USD"
	}
	return b
}

func (b BudgetConfig) Validate() error {
	for tier, ceiling := range b.Ceilings {
		if ceiling < 0 {
			return fmt.Errorf("budget.ceilings.%s cannot be negative", tier)
		}
	}
	return nil
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay", "30s")
	viper.SetDefault("pipeline.retry_max_delay", "15m")
	viper.SetDefault("search.max_distance", 0.8)
	viper.SetDefault("search.default_limit", 20)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MEDIASENSE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Pipeline = config.Pipeline.Normalize()
	config.Providers.Costs = config.Providers.Costs.Normalize()
	config.Embedding = config.Embedding.Normalize()
	config.Search = config.Search.Normalize()
	config.Budget = config.Budget.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Budget.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
