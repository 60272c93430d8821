// Package config loads the framepipe YAML configuration, applies
// environment overrides and watches the file for hot reload.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/framepipe/internal/framecache"
)

// Config is the complete framepipe configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"` // debug, info, warn, error
	API      APIConfig      `yaml:"api"`
	Render   RenderConfig   `yaml:"render"`
	Cache    CacheConfig    `yaml:"cache"`
	Texture  TextureConfig  `yaml:"texture"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Playback PlaybackConfig `yaml:"playback"`
	Source   SourceConfig   `yaml:"source"`
}

// APIConfig configures the control API listeners.
type APIConfig struct {
	Addr           string        `yaml:"addr"`    // HTTPS
	H3Addr         string        `yaml:"h3_addr"` // HTTP/3 (UDP)
	CertValidity   time.Duration `yaml:"cert_validity"`
	CertHosts      []string      `yaml:"cert_hosts"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // empty allows any origin
}

// RenderConfig configures the software backend, which is the tier this
// process can always open.
type RenderConfig struct {
	MaxTextureSize int `yaml:"max_texture_size"`
}

// CacheConfig configures the frame cache.
type CacheConfig struct {
	MaxSizeMB  int               `yaml:"max_size_mb"`
	MaxEntries int               `yaml:"max_entries"`
	Policy     framecache.Policy `yaml:"policy"` // lru, lfu, fifo
	TargetFill float64           `yaml:"target_fill"`
}

// MaxSizeBytes returns the budget in bytes.
func (c CacheConfig) MaxSizeBytes() int64 { return int64(c.MaxSizeMB) << 20 }

// TextureConfig configures the texture importer.
type TextureConfig struct {
	ZeroCopy         bool `yaml:"zero_copy"`
	MaxPooledPerSize int  `yaml:"max_pooled_per_size"`
}

// PrefetchConfig configures the prefetcher.
type PrefetchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	LookAhead     int           `yaml:"look_ahead"`
	LookBehind    int           `yaml:"look_behind"`
	Timeout       time.Duration `yaml:"timeout"`
	Adaptive      bool          `yaml:"adaptive"`
	SlowFetch     time.Duration `yaml:"slow_fetch"`
}

// PlaybackConfig configures the playback controller.
type PlaybackConfig struct {
	BufferCapacity   int     `yaml:"buffer_capacity"`
	TargetBufferFill float64 `yaml:"target_buffer_fill"`
	SyncThresholdMs  float64 `yaml:"sync_threshold_ms"`
	Rate             float64 `yaml:"rate"`
	Autoplay         bool    `yaml:"autoplay"`
	Loop             bool    `yaml:"loop"`
}

// SourceConfig describes the media to open. Only synthetic:// URIs have a
// demuxer in this build.
type SourceConfig struct {
	URI           string        `yaml:"uri"`
	Codec         string        `yaml:"codec"`
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	FPS           float64       `yaml:"fps"`
	Frames        int           `yaml:"frames"`
	GOP           int           `yaml:"gop"`
	DecodeLatency time.Duration `yaml:"decode_latency"`
	Native        bool          `yaml:"native"`
	Audio         bool          `yaml:"audio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Addr:         ":4444",
			H3Addr:       ":4443",
			CertValidity: 14 * 24 * time.Hour,
		},
		Render: RenderConfig{MaxTextureSize: 8192},
		Cache: CacheConfig{
			MaxSizeMB:  512,
			Policy:     framecache.LRU,
			TargetFill: framecache.DefaultTargetFillRatio,
		},
		Texture: TextureConfig{ZeroCopy: true, MaxPooledPerSize: 4},
		Prefetch: PrefetchConfig{
			Enabled:       true,
			MaxConcurrent: 4,
			LookAhead:     30,
			LookBehind:    10,
			Timeout:       5 * time.Second,
			Adaptive:      true,
			SlowFetch:     50 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			BufferCapacity:   60,
			TargetBufferFill: 0.5,
			SyncThresholdMs:  40,
			Rate:             1,
			Autoplay:         true,
			Loop:             true,
		},
		Source: SourceConfig{
			URI:    "synthetic://test-pattern",
			Codec:  "avc1.64001f",
			Width:  640,
			Height: 360,
			FPS:    30,
			Frames: 900,
			GOP:    30,
			Native: true,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.Addr = envOr("FRAMEPIPE_API_ADDR", c.API.Addr)
	c.API.H3Addr = envOr("FRAMEPIPE_H3_ADDR", c.API.H3Addr)
	c.Source.URI = envOr("FRAMEPIPE_SOURCE", c.Source.URI)
	if os.Getenv("DEBUG") != "" {
		c.LogLevel = "debug"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks cfg and fills zero values with defaults.
func Validate(cfg *Config) error {
	def := Default()
	var errs []error

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = def.API.Addr
	}
	if cfg.API.H3Addr == "" {
		cfg.API.H3Addr = def.API.H3Addr
	}
	if cfg.API.CertValidity <= 0 {
		cfg.API.CertValidity = def.API.CertValidity
	}

	if cfg.Render.MaxTextureSize <= 0 {
		cfg.Render.MaxTextureSize = def.Render.MaxTextureSize
	}

	if cfg.Cache.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size_mb must be >= 0, got %d", cfg.Cache.MaxSizeMB))
	} else if cfg.Cache.MaxSizeMB == 0 {
		cfg.Cache.MaxSizeMB = def.Cache.MaxSizeMB
	}
	if cfg.Cache.TargetFill < 0 || cfg.Cache.TargetFill > 1 {
		errs = append(errs, fmt.Errorf("cache.target_fill must be in (0, 1], got %v", cfg.Cache.TargetFill))
	} else if cfg.Cache.TargetFill == 0 {
		cfg.Cache.TargetFill = def.Cache.TargetFill
	}

	if cfg.Texture.MaxPooledPerSize <= 0 {
		cfg.Texture.MaxPooledPerSize = def.Texture.MaxPooledPerSize
	}

	p := &cfg.Prefetch
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = def.Prefetch.MaxConcurrent
	}
	if p.LookAhead < 0 || p.LookBehind < 0 {
		errs = append(errs, fmt.Errorf("prefetch look_ahead/look_behind must be >= 0"))
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Prefetch.Timeout
	}
	if p.SlowFetch <= 0 {
		p.SlowFetch = def.Prefetch.SlowFetch
	}

	pb := &cfg.Playback
	if pb.BufferCapacity <= 0 {
		pb.BufferCapacity = def.Playback.BufferCapacity
	}
	if pb.TargetBufferFill < 0 || pb.TargetBufferFill > 1 {
		errs = append(errs, fmt.Errorf("playback.target_buffer_fill must be in (0, 1], got %v", pb.TargetBufferFill))
	} else if pb.TargetBufferFill == 0 {
		pb.TargetBufferFill = def.Playback.TargetBufferFill
	}
	if pb.SyncThresholdMs <= 0 {
		pb.SyncThresholdMs = def.Playback.SyncThresholdMs
	}
	if pb.Rate < 0 {
		errs = append(errs, fmt.Errorf("playback.rate must be > 0, got %v", pb.Rate))
	} else if pb.Rate == 0 {
		pb.Rate = def.Playback.Rate
	}

	s := &cfg.Source
	if s.URI == "" {
		s.URI = def.Source.URI
	}
	if !strings.HasPrefix(s.URI, "synthetic://") {
		errs = append(errs, fmt.Errorf("source.uri %q: only synthetic:// sources are supported", s.URI))
	}
	if s.Codec == "" {
		s.Codec = def.Source.Codec
	}
	if s.Width < 0 || s.Height < 0 || s.FPS < 0 || s.Frames < 0 {
		errs = append(errs, fmt.Errorf("source dimensions, fps and frames must be >= 0"))
	}

	return errors.Join(errs...)
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
}
