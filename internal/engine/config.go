package engine

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/segget/internal/utils"
)

type RetryPolicy struct {
	// MaxRetries is the number of consecutive retryable failures tolerated
	// before giving up. Negative disables retrying.
	MaxRetries   int           `yaml:"maxRetries"`
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRedirects int           `yaml:"maxRedirects"`
}

// Delay returns the backoff before retry number failures (1-based):
// BaseDelay * Multiplier^(failures-1), capped at MaxDelay.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(failures-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

type Config struct {
	// Segments is the number of byte ranges fetched in parallel for a
	// multipart download. 1 forces single-segment mode.
	Segments int `yaml:"segments"`
	// MultipartThreshold is the smallest resource size split into segments.
	MultipartThreshold int64         `yaml:"multipartThreshold"`
	ChunkSize          int           `yaml:"chunkSize"`
	Retry              RetryPolicy   `yaml:"retry"`
	SpeedWindow        time.Duration `yaml:"speedWindow"`
	SpeedSamples       int           `yaml:"speedSamples"`
	// TempDir holds part files, relative to the target's Directory.
	TempDir string `yaml:"tempDir"`
}

func DefaultConfig() Config {
	return Config{
		Segments:           4,
		MultipartThreshold: utils.DefaultMultipartThreshold,
		ChunkSize:          utils.DefaultChunkSize,
		Retry: RetryPolicy{
			MaxRetries:   5,
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			MaxRedirects: 10,
		},
		SpeedWindow:  3 * time.Second,
		SpeedSamples: 20,
		TempDir:      utils.TempDirName,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Segments <= 0 {
		c.Segments = d.Segments
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = d.MultipartThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = max(d.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.Retry.MaxRedirects <= 0 {
		c.Retry.MaxRedirects = d.Retry.MaxRedirects
	}
	if c.SpeedWindow <= 0 {
		c.SpeedWindow = d.SpeedWindow
	}
	if c.SpeedSamples <= 0 {
		c.SpeedSamples = d.SpeedSamples
	}
	if c.TempDir == "" {
		c.TempDir = d.TempDir
	}
	return c
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg.withDefaults(), nil
}
