package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       App       `mapstructure:"app"`
	Database  Database  `mapstructure:"database"`
	Cache     Cache     `mapstructure:"cache"`
	Embedding Embedding `mapstructure:"embedding"`
	Pipeline  Pipeline  `mapstructure:"pipeline"`
	Ranking   Ranking   `mapstructure:"ranking"`
	Collector Collector `mapstructure:"collector"`
	Sandbox   Sandbox   `mapstructure:"sandbox"`
	Search    Search    `mapstructure:"search"`
	Retention Retention `mapstructure:"retention"`
	Server    Server    `mapstructure:"server"`
	Logging   Logging   `mapstructure:"logging"`
}

// App holds general application configuration.
type App struct {
	Debug   bool   `mapstructure:"debug"`
	DataDir string `mapstructure:"data_dir"`
}

// Database holds Postgres configuration.
type Database struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// Cache holds cache backend configuration.
type Cache struct {
	Backend   string   `mapstructure:"backend"` // "redis" or "sqlite"
	RedisAddr string   `mapstructure:"redis_addr"`
	RedisDB   int      `mapstructure:"redis_db"`
	Directory string   `mapstructure:"directory"` // sqlite backend data dir
	TTL       TTLBlock `mapstructure:"ttl"`
}

// TTLBlock holds per-key-family TTLs.
type TTLBlock struct {
	Embeddings   string `mapstructure:"embeddings"`
	TrendList    string `mapstructure:"trend_list"`
	TrendDetail  string `mapstructure:"trend_detail"`
	TrendSimilar string `mapstructure:"trend_similar"`
	TopicItems   string `mapstructure:"topic_items"`
}

// Embedding holds embedding provider configuration.
type Embedding struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	Dimensions   int    `mapstructure:"dimensions"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout string `mapstructure:"batch_timeout"`
}

// Pipeline holds processing pipeline configuration.
type Pipeline struct {
	DeduplicationThreshold float64 `mapstructure:"deduplication_threshold"`
	NearNeighborBatch      int     `mapstructure:"near_neighbor_batch"`
	MinClusterSize         int     `mapstructure:"min_cluster_size"`
	ClusteringDistance     float64 `mapstructure:"clustering_distance"`
	ClusteringStrategy     string  `mapstructure:"clustering_strategy"` // "hdbscan" or "louvain"
	SentimentEnabled       bool    `mapstructure:"sentiment_enabled"`
	CrossLanguageDedup     bool    `mapstructure:"cross_language_dedup"`
	TopKeywords            int     `mapstructure:"top_keywords"`
}

// Ranking holds trend ranking configuration.
type Ranking struct {
	EngagementWeight       float64 `mapstructure:"engagement_weight"`
	RecencyWeight          float64 `mapstructure:"recency_weight"`
	VelocityWeight         float64 `mapstructure:"velocity_weight"`
	DiversityWeight        float64 `mapstructure:"diversity_weight"`
	RecencyTauHours        float64 `mapstructure:"recency_tau_hours"`
	MaxTrendsPerCategory   int     `mapstructure:"max_trends_per_category"`
	SourceDiversityEnabled bool    `mapstructure:"source_diversity_enabled"`
	MaxPercentagePerSource float64 `mapstructure:"max_percentage_per_source"`
	VelocityEmerging       float64 `mapstructure:"velocity_emerging"`
	VelocityViral          float64 `mapstructure:"velocity_viral"`
	VelocitySustainedLow   float64 `mapstructure:"velocity_sustained_low"`
	VelocitySustainedHigh  float64 `mapstructure:"velocity_sustained_high"`
}

// Collector holds collector runtime configuration.
type Collector struct {
	DefaultRateLimit int     `mapstructure:"default_rate_limit"` // requests/hour
	DefaultTimeout   string  `mapstructure:"default_timeout"`
	RetryCount       int     `mapstructure:"retry_count"`
	RetryBaseDelay   string  `mapstructure:"retry_base_delay"`
	FailureThreshold int     `mapstructure:"failure_threshold"`
	SuccessRateFloor float64 `mapstructure:"success_rate_floor"`
	UserAgent        string  `mapstructure:"user_agent"`
	EncryptionKey    string  `mapstructure:"encryption_key"` // hex, 32 bytes for AES-256-GCM
}

// Sandbox holds custom-plugin sandbox configuration.
type Sandbox struct {
	Timeout         string   `mapstructure:"timeout"`
	MemoryLimitMB   int      `mapstructure:"memory_limit_mb"`
	Blacklist       []string `mapstructure:"blacklist"`
	AllowedModules  []string `mapstructure:"allowed_modules"`
	MaxItemsPerRun  int      `mapstructure:"max_items_per_run"`
}

// Search holds semantic search configuration.
type Search struct {
	DefaultLimit  int     `mapstructure:"default_limit"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
	Overfetch     int     `mapstructure:"overfetch"`
}

// Retention holds tiered content retention configuration.
type Retention struct {
	HotDays  int `mapstructure:"hot_days"`
	WarmDays int `mapstructure:"warm_days"`
	ColdDays int `mapstructure:"cold_days"`
}

// Server holds HTTP facade configuration.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Logging holds logging configuration.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var globalConfig *Config

// Load loads configuration from file, environment, and defaults.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".trendlens")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.data_dir", ".trendlens")

	// Database defaults
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "30m")

	// Cache defaults
	viper.SetDefault("cache.backend", "redis")
	viper.SetDefault("cache.redis_addr", "localhost:6379")
	viper.SetDefault("cache.redis_db", 0)
	viper.SetDefault("cache.directory", ".trendlens")
	viper.SetDefault("cache.ttl.embeddings", "168h")
	viper.SetDefault("cache.ttl.trend_list", "5m")
	viper.SetDefault("cache.ttl.trend_detail", "10m")
	viper.SetDefault("cache.ttl.trend_similar", "10m")
	viper.SetDefault("cache.ttl.topic_items", "10m")

	// Embedding defaults
	viper.SetDefault("embedding.model", "gemini-embedding-001")
	viper.SetDefault("embedding.dimensions", 768)
	viper.SetDefault("embedding.batch_size", 100)
	viper.SetDefault("embedding.batch_timeout", "120s")

	// Pipeline defaults
	viper.SetDefault("pipeline.deduplication_threshold", 0.92)
	viper.SetDefault("pipeline.near_neighbor_batch", 500)
	viper.SetDefault("pipeline.min_cluster_size", 2)
	viper.SetDefault("pipeline.clustering_distance", 0.3)
	viper.SetDefault("pipeline.clustering_strategy", "hdbscan")
	viper.SetDefault("pipeline.sentiment_enabled", true)
	viper.SetDefault("pipeline.cross_language_dedup", false)
	viper.SetDefault("pipeline.top_keywords", 10)

	// Ranking defaults
	viper.SetDefault("ranking.engagement_weight", 0.5)
	viper.SetDefault("ranking.recency_weight", 0.2)
	viper.SetDefault("ranking.velocity_weight", 0.2)
	viper.SetDefault("ranking.diversity_weight", 0.1)
	viper.SetDefault("ranking.recency_tau_hours", 24.0)
	viper.SetDefault("ranking.max_trends_per_category", 10)
	viper.SetDefault("ranking.source_diversity_enabled", true)
	viper.SetDefault("ranking.max_percentage_per_source", 0.20)
	viper.SetDefault("ranking.velocity_emerging", 50.0)
	viper.SetDefault("ranking.velocity_viral", 500.0)
	viper.SetDefault("ranking.velocity_sustained_low", 10.0)
	viper.SetDefault("ranking.velocity_sustained_high", 500.0)

	// Collector defaults
	viper.SetDefault("collector.default_rate_limit", 60)
	viper.SetDefault("collector.default_timeout", "30s")
	viper.SetDefault("collector.retry_count", 3)
	viper.SetDefault("collector.retry_base_delay", "1s")
	viper.SetDefault("collector.failure_threshold", 3)
	viper.SetDefault("collector.success_rate_floor", 0.5)
	viper.SetDefault("collector.user_agent", "Trendlens/1.0")

	// Sandbox defaults
	viper.SetDefault("sandbox.timeout", "30s")
	viper.SetDefault("sandbox.memory_limit_mb", 100)
	viper.SetDefault("sandbox.max_items_per_run", 500)
	viper.SetDefault("sandbox.allowed_modules", []string{
		"http", "html", "json", "re", "time", "text",
	})
	viper.SetDefault("sandbox.blacklist", []string{
		"os", "io", "exec", "dofile", "loadfile", "loadstring",
		"require", "package", "debug", "collectgarbage", "rawset",
		"rawget", "getmetatable", "setmetatable", "dir", "open",
	})

	// Search defaults
	viper.SetDefault("search.default_limit", 10)
	viper.SetDefault("search.min_similarity", 0.7)
	viper.SetDefault("search.overfetch", 2)

	// Retention defaults
	viper.SetDefault("retention.hot_days", 7)
	viper.SetDefault("retention.warm_days", 30)
	viper.SetDefault("retention.cold_days", 365)

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvironmentVariables() {
	bindEnvKeys("embedding.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("database.dsn", []string{
		"DATABASE_URL",
		"TRENDLENS_DATABASE_DSN",
	})

	bindEnvKeys("cache.redis_addr", []string{
		"REDIS_ADDR",
		"REDIS_URL",
	})

	bindEnvKeys("collector.encryption_key", []string{
		"TRENDLENS_ENCRYPTION_KEY",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"TRENDLENS_DEBUG",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key.
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

func validateConfig(config *Config) error {
	var errors []string

	durations := map[string]string{
		"database.conn_max_lifetime": config.Database.ConnMaxLifetime,
		"cache.ttl.embeddings":       config.Cache.TTL.Embeddings,
		"cache.ttl.trend_list":       config.Cache.TTL.TrendList,
		"cache.ttl.trend_detail":     config.Cache.TTL.TrendDetail,
		"cache.ttl.trend_similar":    config.Cache.TTL.TrendSimilar,
		"cache.ttl.topic_items":      config.Cache.TTL.TopicItems,
		"embedding.batch_timeout":    config.Embedding.BatchTimeout,
		"collector.default_timeout":  config.Collector.DefaultTimeout,
		"collector.retry_base_delay": config.Collector.RetryBaseDelay,
		"sandbox.timeout":            config.Sandbox.Timeout,
	}
	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				errors = append(errors, fmt.Sprintf("invalid duration for %s: %s", key, duration))
			}
		}
	}

	if t := config.Pipeline.DeduplicationThreshold; t <= 0 || t > 1 {
		errors = append(errors, fmt.Sprintf("pipeline.deduplication_threshold must be in (0,1], got %v", t))
	}
	if config.Pipeline.MinClusterSize < 2 {
		errors = append(errors, "pipeline.min_cluster_size must be at least 2")
	}
	switch config.Pipeline.ClusteringStrategy {
	case "hdbscan", "louvain":
	default:
		errors = append(errors, fmt.Sprintf("unknown clustering strategy: %s", config.Pipeline.ClusteringStrategy))
	}
	if p := config.Ranking.MaxPercentagePerSource; p <= 0 || p > 1 {
		errors = append(errors, fmt.Sprintf("ranking.max_percentage_per_source must be in (0,1], got %v", p))
	}
	switch config.Cache.Backend {
	case "redis", "sqlite":
	default:
		errors = append(errors, fmt.Sprintf("unknown cache backend: %s", config.Cache.Backend))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Snapshot flattens the pipeline-relevant configuration for run records.
func (c *Config) Snapshot() map[string]string {
	return map[string]string{
		"deduplication_threshold":   fmt.Sprintf("%v", c.Pipeline.DeduplicationThreshold),
		"min_cluster_size":          fmt.Sprintf("%d", c.Pipeline.MinClusterSize),
		"clustering_distance":       fmt.Sprintf("%v", c.Pipeline.ClusteringDistance),
		"clustering_strategy":       c.Pipeline.ClusteringStrategy,
		"max_trends_per_category":   fmt.Sprintf("%d", c.Ranking.MaxTrendsPerCategory),
		"source_diversity_enabled":  fmt.Sprintf("%v", c.Ranking.SourceDiversityEnabled),
		"max_percentage_per_source": fmt.Sprintf("%v", c.Ranking.MaxPercentagePerSource),
	}
}

// Convenience getters for commonly used configuration values.
func GetPipeline() Pipeline   { return Get().Pipeline }
func GetRanking() Ranking     { return Get().Ranking }
func GetCollector() Collector { return Get().Collector }
func GetSandbox() Sandbox     { return Get().Sandbox }
func GetSearch() Search       { return Get().Search }
func GetCacheConfig() Cache   { return Get().Cache }
func IsDebugMode() bool       { return Get().App.Debug }

// Reset clears the global configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viper.Reset()
}
