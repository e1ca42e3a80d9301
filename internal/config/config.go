package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultTopK               = 10
	DefaultMetric             = "cosine"
	DefaultEmbeddingProvider  = "lite"
	DefaultEmbeddingDim       = 384
	DefaultEmbeddingBatchSize = 32
	DefaultEmbeddingTimeoutMs = 15000
	DefaultCollectorBatchSize = 16
	DefaultFlushInterval      = "5m"
)

type Config struct {
	Store       StoreConfig       `json:"store"`
	Privacy     PrivacyConfig     `json:"privacy"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Search      SearchConfig      `json:"search"`
	Profiles    ProfilesConfig    `json:"profiles"`
	Collector   CollectorConfig   `json:"collector"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Policy      PolicyConfig      `json:"policy"`
}

type StoreConfig struct {
	DataDir    string `json:"dataDir"`
	ArchiveDir string `json:"archiveDir,omitempty"`
}

type PrivacyConfig struct {
	// Salt keys the one-way hashing of the current epoch. Rotation replaces
	// it; hashes from different salts are not comparable.
	Salt string `json:"salt"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "lite" (default), "api", or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	CachePath string `json:"cachePath,omitempty"`
}

type SearchConfig struct {
	TopK   int    `json:"topK,omitempty"`
	Metric string `json:"metric,omitempty"` // "cosine" (default) or "dot"
}

type ProfilesConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type CollectorConfig struct {
	Telegram  TelegramConfig `json:"telegram"`
	BatchSize int            `json:"batchSize,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type MaintenanceConfig struct {
	FlushInterval string `json:"flushInterval,omitempty"` // Go duration, empty disables
	RotateCron    string `json:"rotateCron,omitempty"`    // cron expression, empty disables
}

type PolicyConfig struct {
	BlockPatterns []string `json:"blockPatterns,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: filepath.Join(ConfigDir(), "data"),
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingProvider,
			Dimension: DefaultEmbeddingDim,
			BatchSize: DefaultEmbeddingBatchSize,
			TimeoutMs: DefaultEmbeddingTimeoutMs,
		},
		Search: SearchConfig{
			TopK:   DefaultTopK,
			Metric: DefaultMetric,
		},
		Profiles: ProfilesConfig{
			DBPath: filepath.Join(ConfigDir(), "profiles.db"),
		},
		Collector: CollectorConfig{
			BatchSize: DefaultCollectorBatchSize,
		},
		Maintenance: MaintenanceConfig{
			FlushInterval: DefaultFlushInterval,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".nightjar")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// ArchiveDir resolves the rotation archive directory, defaulting to a
// subdirectory of the data directory.
func (c *Config) ArchiveDir() string {
	if c.Store.ArchiveDir != "" {
		return c.Store.ArchiveDir
	}
	return filepath.Join(c.Store.DataDir, "archive")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if salt := os.Getenv("NIGHTJAR_SALT"); salt != "" {
		cfg.Privacy.Salt = salt
	}
	if dir := os.Getenv("NIGHTJAR_DATA_DIR"); dir != "" {
		cfg.Store.DataDir = dir
	}
	if dir := os.Getenv("NIGHTJAR_ARCHIVE_DIR"); dir != "" {
		cfg.Store.ArchiveDir = dir
	}
	if provider := os.Getenv("NIGHTJAR_EMBED_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if url := os.Getenv("NIGHTJAR_EMBED_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if key := os.Getenv("NIGHTJAR_EMBED_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = key
	}
	if model := os.Getenv("NIGHTJAR_EMBED_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if token := os.Getenv("NIGHTJAR_TELEGRAM_TOKEN"); token != "" {
		cfg.Collector.Telegram.Token = token
	}
	if path := os.Getenv("NIGHTJAR_PROFILE_DB"); path != "" {
		cfg.Profiles.DBPath = path
	}
	if topK := os.Getenv("NIGHTJAR_TOP_K"); topK != "" {
		if parsed, err := strconv.Atoi(topK); err == nil {
			cfg.Search.TopK = parsed
		}
	}
	if metric := os.Getenv("NIGHTJAR_METRIC"); metric != "" {
		cfg.Search.Metric = metric
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = DefaultConfig().Store.DataDir
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = DefaultEmbeddingProvider
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = DefaultEmbeddingDim
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if cfg.Embedding.TimeoutMs <= 0 {
		cfg.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if cfg.Search.TopK <= 0 {
		cfg.Search.TopK = DefaultTopK
	}
	if cfg.Search.Metric == "" {
		cfg.Search.Metric = DefaultMetric
	}
	if cfg.Collector.BatchSize <= 0 {
		cfg.Collector.BatchSize = DefaultCollectorBatchSize
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
