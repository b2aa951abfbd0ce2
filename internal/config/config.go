package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quotedesk/internal/market"
)

const DefaultPath = "configs/app.yaml"

const (
	FeedSynthetic = "synthetic"
	FeedNetwork   = "network"
	FeedFallback  = "fallback"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Feed       FeedConfig       `yaml:"feed"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Store      StoreConfig      `yaml:"store"`
	Push       PushConfig       `yaml:"push"`
	Alert      AlertConfig      `yaml:"alert"`
	Engine     EngineConfig     `yaml:"engine"`
	BriefAgent BriefAgentConfig `yaml:"brief_agent"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FeedConfig struct {
	Mode         string                       `yaml:"mode"`
	URL          string                       `yaml:"url"`
	TimeoutMs    int                          `yaml:"timeout_ms"`
	Retries      int                          `yaml:"retries"`
	Seeds        []market.Seed                `yaml:"seeds"`
	Ranges       map[string]market.PriceRange `yaml:"ranges"`
	CandleMargin float64                      `yaml:"candle_margin"`
}

type RefreshConfig struct {
	IntervalMs        int `yaml:"interval_ms"`
	SessionIntervalMs int `yaml:"session_interval_ms"`
	FetchTimeoutMs    int `yaml:"fetch_timeout_ms"`
}

type StoreConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
}

type SqliteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type AlertConfig struct {
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	Dedup            DedupConfig     `yaml:"dedup"`
	Merge            MergeConfig     `yaml:"merge"`
	Digest           DigestConfig    `yaml:"digest"`
	FailureThreshold int             `yaml:"failure_threshold"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type MergeConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type DigestConfig struct {
	LowIntervalSec int `yaml:"low_interval_sec"`
}

type EngineConfig struct {
	Breadth       EngineBreadthConfig      `yaml:"breadth"`
	PriceLimit    EnginePriceLimitConfig   `yaml:"price_limit"`
	SharpMove     EngineSharpMoveConfig    `yaml:"sharp_move"`
	PanicDrop     EnginePanicDropConfig    `yaml:"panic_drop"`
	VolumeSpike   EngineVolumeSpikeConfig  `yaml:"volume_spike"`
	KeyBreakDown  EngineKeyBreakDownConfig `yaml:"key_break_down"`
	WindowMaxKeep int                      `yaml:"window_max_keep"`
	CooldownSec   EngineCooldownConfig     `yaml:"cooldown_sec"`
}

type EngineBreadthConfig struct {
	MinInstruments int     `yaml:"min_instruments"`
	MedPct         float64 `yaml:"med_pct"`
	HighPct        float64 `yaml:"high_pct"`
}

type EnginePriceLimitConfig struct {
	MainPct      float64 `yaml:"main_pct"`
	GrowthPct    float64 `yaml:"growth_pct"`
	TolerancePct float64 `yaml:"tolerance_pct"`
}

type EngineSharpMoveConfig struct {
	MedPct  float64 `yaml:"med_pct"`
	HighPct float64 `yaml:"high_pct"`
}

type EnginePanicDropConfig struct {
	WindowSec int     `yaml:"window_sec"`
	MedPct    float64 `yaml:"med_pct"`
	HighPct   float64 `yaml:"high_pct"`
}

type EngineVolumeSpikeConfig struct {
	MaPoints int     `yaml:"ma_points"`
	Ratio    float64 `yaml:"ratio"`
}

type EngineKeyBreakDownConfig struct {
	Levels   map[string]float64 `yaml:"levels"`
	Priority string             `yaml:"priority"`
}

type EngineCooldownConfig struct {
	Breadth      int `yaml:"breadth"`
	PriceLimit   int `yaml:"price_limit"`
	SharpMove    int `yaml:"sharp_move"`
	PanicDrop    int `yaml:"panic_drop"`
	VolumeSpike  int `yaml:"volume_spike"`
	KeyBreakDown int `yaml:"key_break_down"`
}

type BriefAgentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	TopN       int    `yaml:"top_n"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TTLSec    int    `yaml:"ttl_sec"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	BatchTimeoutMs int      `yaml:"batch_timeout_ms"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "text"},
		Feed: FeedConfig{
			Mode:         FeedSynthetic,
			TimeoutMs:    10000,
			Retries:      2,
			Seeds:        market.DefaultSeeds(),
			CandleMargin: 0.03,
		},
		Refresh: RefreshConfig{
			IntervalMs:        5000,
			SessionIntervalMs: 3000,
			FetchTimeoutMs:    10000,
		},
		Store: StoreConfig{
			Sqlite: SqliteConfig{Enabled: true, Path: "data/quotedesk.db"},
		},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		Alert: AlertConfig{
			RateLimit:        RateLimitConfig{PerMinute: 20, Burst: 5},
			Dedup:            DedupConfig{WindowSec: 300},
			Merge:            MergeConfig{WindowSec: 10},
			Digest:           DigestConfig{LowIntervalSec: 300},
			FailureThreshold: 3,
		},
		Engine: EngineConfig{
			Breadth: EngineBreadthConfig{
				MinInstruments: 5,
				MedPct:         70,
				HighPct:        85,
			},
			PriceLimit: EnginePriceLimitConfig{
				MainPct:      10,
				GrowthPct:    20,
				TolerancePct: 0.2,
			},
			SharpMove: EngineSharpMoveConfig{
				MedPct:  5,
				HighPct: 8,
			},
			PanicDrop: EnginePanicDropConfig{
				WindowSec: 300,
				MedPct:    2.0,
				HighPct:   4.0,
			},
			VolumeSpike: EngineVolumeSpikeConfig{
				MaPoints: 5,
				Ratio:    3.0,
			},
			KeyBreakDown: EngineKeyBreakDownConfig{
				Priority: "med",
			},
			WindowMaxKeep: 200,
			CooldownSec: EngineCooldownConfig{
				Breadth:      600,
				PriceLimit:   900,
				SharpMove:    300,
				PanicDrop:    180,
				VolumeSpike:  180,
				KeyBreakDown: 600,
			},
		},
		BriefAgent: BriefAgentConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
			TopN:      3,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "quotedesk:quote:",
			TTLSec:    60,
		},
		Kafka: KafkaConfig{
			Topic:          "quotedesk.quotes",
			BatchTimeoutMs: 100,
		},
	}
}

// Path returns the config file location from CONFIG_FILE or the default.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_FILE")); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("FEED_MODE"); v != "" {
		cfg.Feed.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("REFRESH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid REFRESH_INTERVAL_MS: %q", v)
		}
		cfg.Refresh.IntervalMs = ms
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
		cfg.Kafka.Enabled = len(brokers) > 0
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Feed.Mode {
	case FeedSynthetic:
	case FeedNetwork, FeedFallback:
		if strings.TrimSpace(c.Feed.URL) == "" {
			return fmt.Errorf("feed.url is required for mode %q", c.Feed.Mode)
		}
	default:
		return fmt.Errorf("invalid feed.mode: %q", c.Feed.Mode)
	}
	if c.Refresh.IntervalMs <= 0 {
		return fmt.Errorf("invalid refresh.interval_ms: %d", c.Refresh.IntervalMs)
	}
	if c.Refresh.SessionIntervalMs < 0 {
		return fmt.Errorf("invalid refresh.session_interval_ms: %d", c.Refresh.SessionIntervalMs)
	}
	if c.Feed.CandleMargin < 0 || c.Feed.CandleMargin >= 1 {
		return fmt.Errorf("invalid feed.candle_margin: %v", c.Feed.CandleMargin)
	}
	for name, r := range c.Feed.Ranges {
		if _, ok := market.ParseSegment(name); !ok {
			return fmt.Errorf("unknown segment in feed.ranges: %q", name)
		}
		if r.Min <= 0 || r.Max < r.Min {
			return fmt.Errorf("invalid feed.ranges.%s: [%v, %v]", name, r.Min, r.Max)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// Synthetic converts the feed section into generator settings.
func (f FeedConfig) Synthetic() market.SyntheticConfig {
	cfg := market.SyntheticConfig{
		Seeds:        f.Seeds,
		CandleMargin: f.CandleMargin,
	}
	if len(f.Ranges) > 0 {
		cfg.Ranges = make(map[market.Segment]market.PriceRange, len(f.Ranges))
		for name, r := range f.Ranges {
			if seg, ok := market.ParseSegment(name); ok {
				cfg.Ranges[seg] = r
			}
		}
	}
	return cfg
}

func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

func (r RefreshConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

func (r RefreshConfig) SessionInterval() time.Duration {
	return time.Duration(r.SessionIntervalMs) * time.Millisecond
}

func (r RefreshConfig) FetchTimeout() time.Duration {
	return time.Duration(r.FetchTimeoutMs) * time.Millisecond
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log.level: %q", level)
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger() *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
