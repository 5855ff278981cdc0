package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server     ServerConfig
	Generation GenerationConfig
	Embedding  EmbeddingConfig
	Build      BuildConfig
	Storage    StorageConfig
	Log        LogConfig
	Retrieval  RetrievalConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type GenerationConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
}

type BuildConfig struct {
	BaseURL  string
	Project  string
	Region   string
	Registry string
	Bucket   string
}

type StorageConfig struct {
	DataDir     string
	TemplateDir string
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Generation: GenerationConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "google/gemini-2.5-pro",
		},
		Embedding: EmbeddingConfig{
			BaseURL: "https://router.huggingface.co/hf-inference/pipeline/feature-extraction/sentence-transformers/all-MiniLM-L6-v2",
		},
		Build: BuildConfig{
			Region:   "us-central1",
			Registry: "gcr.io",
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			TemplateDir: "templates",
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "kindler")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kindler-data"
	}
	return filepath.Join(home, ".local", "share", "kindler")
}

// Load reads configuration from defaults overridden by KINDLER_* environment
// variables. The generation and embedding API keys are required; everything
// else has a working default.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Generation.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: generation API key. Set it via environment variable KINDLER_GENERATION_API_KEY")
	}
	if cfg.Embedding.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: embedding API key. Set it via environment variable KINDLER_EMBEDDING_API_KEY")
	}

	return cfg, nil
}

// LoadClient reads configuration like Load but skips the API key
// requirements. CLI commands that only talk to a running server use this.
func LoadClient() Config {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse int from %s=%q: %v. Using default value.\n", env, v, err)
			}
		}
	}

	setInt("KINDLER_SERVER_PORT", &cfg.Server.Port)
	setString("KINDLER_API_TOKEN", &cfg.Server.APIToken)
	setString("KINDLER_GENERATION_BASE_URL", &cfg.Generation.BaseURL)
	setString("KINDLER_GENERATION_API_KEY", &cfg.Generation.APIKey)
	setString("KINDLER_GENERATION_MODEL", &cfg.Generation.Model)
	setString("KINDLER_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("KINDLER_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setString("KINDLER_BUILD_BASE_URL", &cfg.Build.BaseURL)
	setString("KINDLER_BUILD_PROJECT", &cfg.Build.Project)
	setString("KINDLER_BUILD_REGION", &cfg.Build.Region)
	setString("KINDLER_BUILD_REGISTRY", &cfg.Build.Registry)
	setString("KINDLER_BUILD_BUCKET", &cfg.Build.Bucket)
	setString("KINDLER_STORAGE_DATA_DIR", &cfg.Storage.DataDir)
	setString("KINDLER_TEMPLATE_DIR", &cfg.Storage.TemplateDir)
	setString("KINDLER_LOG_LEVEL", &cfg.Log.Level)
	setInt("KINDLER_RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
}
