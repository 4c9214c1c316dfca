package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/tactus/internal/provider"
	"github.com/mpataki/tactus/internal/storage"
)

// ProjectConfigFile is read relative to the working directory.
const ProjectConfigFile = ".tactus/config.yml"

type Config struct {
	DataDir string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSRegion          string

	Storage     string
	StoragePath string
	RedisURL    string
	DatabaseURL string

	LogLevel string

	ProviderTimeout time.Duration
	RunTimeout      time.Duration
	MaxRetries      int
	RateLimit       float64

	IDEHost    string
	IDEPort    int
	MCPCommand string
}

// New loads .env and the project config file into the environment, then
// builds a Config from it. Variables already set are never overwritten.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := LoadProjectFile(ProjectConfigFile); err != nil {
		return nil, err
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	c := &Config{
		DataDir: getEnv("TACTUS_DATA_DIR", filepath.Join(homeDir, ".tactus")),

		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:   getEnv("ANTHROPIC_BASE_URL", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSSessionToken:    getEnv("AWS_SESSION_TOKEN", ""),
		AWSRegion:          getEnv("AWS_REGION", getEnv("AWS_DEFAULT_REGION", "us-east-1")),

		Storage:     getEnv("TACTUS_STORAGE", storage.BackendMemory),
		StoragePath: getEnv("TACTUS_STORAGE_PATH", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LogLevel: getEnv("TACTUS_LOG_LEVEL", "info"),

		IDEHost:    getEnv("TACTUS_IDE_HOST", "127.0.0.1"),
		MCPCommand: getEnv("TACTUS_MCP_COMMAND", ""),
	}

	var errs []error
	c.ProviderTimeout = parseDuration("TACTUS_PROVIDER_TIMEOUT", 60*time.Second, &errs)
	c.RunTimeout = parseDuration("TACTUS_RUN_TIMEOUT", 0, &errs)
	c.MaxRetries = parseInt("TACTUS_MAX_RETRIES", 3, &errs)
	c.IDEPort = parseInt("TACTUS_IDE_PORT", 5001, &errs)
	c.RateLimit = parseFloat("TACTUS_RATE_LIMIT", 0, &errs)

	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("TACTUS_MAX_RETRIES must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("TACTUS_RATE_LIMIT must not be negative"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// StorageDir is where the file backend keeps its database by default.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "storage")
}

func (c *Config) Credentials() provider.Credentials {
	return provider.Credentials{
		OpenAIAPIKey:       c.OpenAIAPIKey,
		OpenAIBaseURL:      c.OpenAIBaseURL,
		AnthropicAPIKey:    c.AnthropicAPIKey,
		AnthropicBaseURL:   c.AnthropicBaseURL,
		AWSRegion:          c.AWSRegion,
		AWSAccessKeyID:     c.AWSAccessKeyID,
		AWSSecretAccessKey: c.AWSSecretAccessKey,
		AWSSessionToken:    c.AWSSessionToken,
	}
}

// RetryPolicy counts the first attempt, so MaxRetries 3 allows 4 calls.
func (c *Config) RetryPolicy() provider.RetryPolicy {
	p := provider.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxRetries + 1
	p.CallTimeout = c.ProviderTimeout
	return p
}

func (c *Config) StorageConfig() storage.Config {
	path := c.StoragePath
	if path == "" && (c.Storage == storage.BackendFile || c.Storage == storage.BackendSQLite) {
		path = c.StorageDir()
	}
	return storage.Config{
		Backend:     c.Storage,
		Path:        path,
		RedisURL:    c.RedisURL,
		DatabaseURL: c.DatabaseURL,
	}
}

// LoadProjectFile flattens a YAML file into environment variables. Nested
// keys are joined with "_" and upper-cased, so aws.region becomes AWS_REGION.
// A missing file is not an error.
func LoadProjectFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	vars := make(map[string]string)
	flatten("", doc, vars)
	for key, value := range vars {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func parseDuration(key string, def time.Duration, errs *[]error) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return d
}

func parseInt(key string, def int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return n
}

func parseFloat(key string, def float64, errs *[]error) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return f
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
