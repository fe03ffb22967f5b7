package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the narrative memory engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings. URL wins over the
// individual fields when set.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN constructs a Postgres DSN from the configuration.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
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

// RedisConfig contains Redis connection settings for the re-embed queue.
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

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// EmbeddingConfig selects and tunes the embedding provider. The provider is
// loaded once at process start and shared by every tenant.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"` // openai
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset embedding values.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if e.Provider == "" {
		e.Provider = "openai"
	}
	if e.Model == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 32
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	return e
}

// RetrievalConfig tunes the context assembler's strategies.
type RetrievalConfig struct {
	// RecencyWindow is how many preceding chapters the recency strategy
	// scans.
	RecencyWindow int `mapstructure:"recency_window"`
	// SemanticTopK bounds the semantic vector search.
	SemanticTopK int `mapstructure:"semantic_top_k"`
	// CharacterTopK bounds the character-relevance strategy.
	CharacterTopK int `mapstructure:"character_top_k"`
	// PlotPointTopK bounds the high-importance plot point strategy.
	PlotPointTopK int `mapstructure:"plot_point_top_k"`
	// StrategyTimeout bounds each strategy independently; a strategy that
	// overruns contributes nothing.
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	// ReembedSchedule is the cron expression driving the re-embed worker.
	ReembedSchedule string `mapstructure:"reembed_schedule"`
}

// Normalize applies the documented strategy defaults.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.RecencyWindow <= 0 {
		r.RecencyWindow = 3
	}
	if r.SemanticTopK <= 0 {
		r.SemanticTopK = 10
	}
	if r.CharacterTopK <= 0 {
		r.CharacterTopK = 8
	}
	if r.PlotPointTopK <= 0 {
		r.PlotPointTopK = 5
	}
	if r.StrategyTimeout <= 0 {
		r.StrategyTimeout = 5 * time.Second
	}
	if r.ReembedSchedule == "" {
		r.ReembedSchedule = "*/5 * * * *"
	}
	return r
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment. Environment
// variables use the FABULA_ prefix with dots replaced by underscores.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("server.address", ":8420")
	viper.SetDefault("general.default_timeout", "30s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FABULA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine when the environment carries everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Embedding = cfg.Embedding.Normalize()
	cfg.Retrieval = cfg.Retrieval.Normalize()
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
