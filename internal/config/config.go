// Package config loads and holds all scanner configuration.
// Settings start from defaults, are overridden by pii-config.yaml (or the
// file named by PII_CONFIG_FILE), then by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pii-scanner/internal/logger"
)

// DefaultFile is read when PII_CONFIG_FILE is unset. It is optional.
const DefaultFile = "pii-config.yaml"

// Config holds the full scanner configuration.
type Config struct {
	BindAddress     string   `yaml:"bindAddress"`
	Port            int      `yaml:"port"`
	ManagementToken string   `yaml:"managementToken"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`

	MaxTextLength int    `yaml:"maxTextLength"`
	Language      string `yaml:"language"`

	DeterministicThreshold float64 `yaml:"deterministicThreshold"`
	LLMTriggerThreshold    float64 `yaml:"llmTriggerThreshold"`

	UseFallback      bool    `yaml:"useFallback"`
	OllamaBaseURL    string  `yaml:"ollamaBaseUrl"`
	OllamaModel      string  `yaml:"ollamaModel"`
	LLMTimeoutSecs   float64 `yaml:"llmTimeoutSeconds"`
	LLMMaxConcurrent int     `yaml:"llmMaxConcurrent"`

	// FallbackCache selects the reply cache backend: none, memory, bbolt, redis.
	FallbackCache        string `yaml:"fallbackCache"`
	FallbackCachePath    string `yaml:"fallbackCachePath"`
	FallbackCacheSize    int    `yaml:"fallbackCacheSize"`
	FallbackCacheTTLSecs int    `yaml:"fallbackCacheTtlSeconds"`
	RedisAddr            string `yaml:"redisAddr"`
	RedisPassword        string `yaml:"redisPassword"`
	RedisDB              int    `yaml:"redisDb"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// Load returns config with defaults overridden by the config file and env vars.
func Load() *Config {
	return LoadFrom(os.Getenv("PII_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit config file. An empty path means DefaultFile.
func LoadFrom(path string) *Config {
	if path == "" {
		path = DefaultFile
	}
	cfg := defaults()
	loadFile(cfg, path)
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:            "127.0.0.1",
		Port:                   8000,
		AllowedOrigins:         []string{"*"},
		MaxTextLength:          5000,
		Language:               "en",
		DeterministicThreshold: 0.85,
		LLMTriggerThreshold:    0.6,
		UseFallback:            true,
		OllamaBaseURL:          "http://127.0.0.1:11434",
		OllamaModel:            "qwen2.5:1.5b-instruct-q4_0",
		LLMTimeoutSecs:         15,
		LLMMaxConcurrent:       4,
		FallbackCache:          "none",
		FallbackCachePath:      "fallback-cache.db",
		FallbackCacheSize:      10_000,
		FallbackCacheTTLSecs:   86400,
		RedisAddr:              "127.0.0.1:6379",
		LogLevel:               "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from operator config
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.New("CONFIG", "info").Warnf("load", "could not parse %s: %v", path, err)
	} else {
		logger.New("CONFIG", "info").Infof("load", "loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PII_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	envInt("PII_PORT", &cfg.Port)
	if v := os.Getenv("PII_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v, ok := os.LookupEnv("PII_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = parseOrigins(v)
	}
	envInt("PII_MAX_TEXT_LENGTH", &cfg.MaxTextLength)
	if v := os.Getenv("PII_LANGUAGE"); v != "" {
		cfg.Language = v
	}
	envFloat("PII_DETERMINISTIC_THRESHOLD", &cfg.DeterministicThreshold)
	envFloat("PII_LLM_TRIGGER_THRESHOLD", &cfg.LLMTriggerThreshold)
	if v := os.Getenv("PII_USE_FALLBACK"); v == "false" {
		cfg.UseFallback = false
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	envFloat("PII_LLM_TIMEOUT_SECONDS", &cfg.LLMTimeoutSecs)
	envInt("PII_LLM_MAX_CONCURRENT", &cfg.LLMMaxConcurrent)
	if v := os.Getenv("PII_FALLBACK_CACHE"); v != "" {
		cfg.FallbackCache = strings.ToLower(v)
	}
	if v := os.Getenv("PII_FALLBACK_CACHE_PATH"); v != "" {
		cfg.FallbackCachePath = v
	}
	envInt("PII_FALLBACK_CACHE_SIZE", &cfg.FallbackCacheSize)
	envInt("PII_FALLBACK_CACHE_TTL_SECONDS", &cfg.FallbackCacheTTLSecs)
	if v := os.Getenv("PII_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PII_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	envInt("PII_REDIS_DB", &cfg.RedisDB)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PII_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// parseOrigins splits a comma list; an empty list means any origin.
func parseOrigins(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// LLMTimeout returns the fallback request deadline.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSecs * float64(time.Second))
}

// FallbackCacheTTL returns the expiry applied by the redis reply cache.
func (c *Config) FallbackCacheTTL() time.Duration {
	return time.Duration(c.FallbackCacheTTLSecs) * time.Second
}

// Validate reports settings that would make the pipeline misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.LLMTriggerThreshold < 0 || c.DeterministicThreshold > 1 {
		errs = append(errs, fmt.Errorf("thresholds must lie in [0,1]"))
	}
	if c.LLMTriggerThreshold > c.DeterministicThreshold {
		errs = append(errs, fmt.Errorf("llmTriggerThreshold %.2f exceeds deterministicThreshold %.2f",
			c.LLMTriggerThreshold, c.DeterministicThreshold))
	}
	if c.MaxTextLength <= 0 {
		errs = append(errs, fmt.Errorf("maxTextLength must be positive"))
	}
	if c.LLMTimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("llmTimeoutSeconds must be positive"))
	}
	if c.LLMMaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("llmMaxConcurrent must be positive"))
	}
	switch c.FallbackCache {
	case "", "none", "memory", "bbolt", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown fallbackCache %q", c.FallbackCache))
	}
	return errors.Join(errs...)
}
