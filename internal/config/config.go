package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Session  SessionConfig  `yaml:"session"`
	Crawler  CrawlerConfig  `yaml:"crawler"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Database DatabaseConfig `yaml:"database"`
	Hot      HotConfig      `yaml:"hot"`
	Objects  ObjectConfig   `yaml:"objects"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type PlatformConfig struct {
	BaseURL       string `yaml:"base_url" validate:"required,url"`
	ProfilePath   string `yaml:"profile_path" validate:"required"`
	Timezone      string `yaml:"timezone" validate:"required"`
	SelectorsFile string `yaml:"selectors_file"`
}

type SessionConfig struct {
	BlobFile     string `yaml:"blob_file" validate:"required"`
	Headless     bool   `yaml:"headless"`
	UserAgent    string `yaml:"user_agent"`
	WindowWidth  int    `yaml:"window_width" validate:"gte=320"`
	WindowHeight int    `yaml:"window_height" validate:"gte=240"`
	ExecPath     string `yaml:"exec_path"`
	NavTimeout   int    `yaml:"nav_timeout" validate:"gte=1"`
	SettleDelay  int    `yaml:"settle_delay_ms" validate:"gte=0"`
}

type CrawlerConfig struct {
	Concurrency       int  `yaml:"concurrency" validate:"gte=1,lte=5"`
	MaxIdleRounds     int  `yaml:"max_idle_rounds" validate:"gte=1"`
	SafetyBuffer      int  `yaml:"safety_buffer" validate:"gte=0"`
	ScrollDelay       int  `yaml:"scroll_delay_ms" validate:"gte=0"`
	ScrollRetries     int  `yaml:"scroll_retries" validate:"gte=0"`
	MaxRounds         int  `yaml:"max_rounds" validate:"gte=1"`
	PostRetries       int  `yaml:"post_retries" validate:"gte=0"`
	RetryDelay        int  `yaml:"retry_delay_ms" validate:"gte=1"`
	RequestsPerMinute int  `yaml:"requests_per_minute" validate:"gte=1"`
	GateThreshold     int  `yaml:"gate_threshold" validate:"gte=1"`
	TopMedia          int  `yaml:"top_media" validate:"gte=0"`
	OwnPostsOnly      bool `yaml:"own_posts_only"`
}

type RankingConfig struct {
	ViewsWeight      float64 `yaml:"views_weight"`
	EngagementWeight float64 `yaml:"engagement_weight"`
	SpreadWeight     float64 `yaml:"spread_weight"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type HotConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=redis badger"`
	RedisURL    string `yaml:"redis_url"`
	BadgerPath  string `yaml:"badger_path"`
	RankingTTL  int    `yaml:"ranking_ttl" validate:"gte=1"`
	ProgressTTL int    `yaml:"progress_ttl" validate:"gte=1"`
	FillQueue   string `yaml:"fill_queue" validate:"required"`
}

type ObjectConfig struct {
	BaseDir       string `yaml:"base_dir" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
	MaxBytes      int64  `yaml:"max_bytes" validate:"gte=1"`
	Timeout       int    `yaml:"timeout" validate:"gte=1"`
}

type ScheduleConfig struct {
	Timezone string        `yaml:"timezone"`
	Sweep    string        `yaml:"sweep"`
	Accounts []AccountPlan `yaml:"accounts" validate:"dive"`
}

// AccountPlan is a scheduled incremental crawl.
type AccountPlan struct {
	Account     string `yaml:"account" validate:"required"`
	WantedExtra int    `yaml:"wanted_extra" validate:"gte=1"`
	Cron        string `yaml:"cron" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	File string `yaml:"file"`
}

func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			BaseURL:       "https://www.threads.net",
			ProfilePath:   "/@%s",
			Timezone:      "Asia/Shanghai",
			SelectorsFile: "configs/selectors.yaml",
		},
		Session: SessionConfig{
			BlobFile:     "data/session.json",
			Headless:     true,
			UserAgent:    "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			WindowWidth:  1280,
			WindowHeight: 900,
			NavTimeout:   30,
			SettleDelay:  2500,
		},
		Crawler: CrawlerConfig{
			Concurrency:       3,
			MaxIdleRounds:     15,
			SafetyBuffer:      3,
			ScrollDelay:       1500,
			ScrollRetries:     3,
			MaxRounds:         400,
			PostRetries:       2,
			RetryDelay:        1000,
			RequestsPerMinute: 30,
			GateThreshold:     3,
			TopMedia:          5,
			OwnPostsOnly:      true,
		},
		Ranking: RankingConfig{
			ViewsWeight:      1.0,
			EngagementWeight: 0.3,
			SpreadWeight:     0.1,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "feed_crawler",
			User:    "postgres",
			SSLMode: "disable",
		},
		Hot: HotConfig{
			Backend:     "redis",
			RedisURL:    "redis://localhost:6379/0",
			BadgerPath:  "data/hot",
			RankingTTL:  3600,
			ProgressTTL: 1800,
			FillQueue:   "feedcrawler:queue:vision_fill",
		},
		Objects: ObjectConfig{
			BaseDir:       "data/objects",
			RetentionDays: 30,
			MaxBytes:      50 * 1024 * 1024,
			Timeout:       60,
		},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
			Sweep:    "30 3 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			File: "data/metrics.json",
		},
	}
}

// Load reads the YAML file on top of Default and applies environment overrides.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configFile)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Hot.RedisURL = v
	}
	if v := os.Getenv("HOT_BACKEND"); v != "" {
		c.Hot.Backend = v
	}
	if v := os.Getenv("SESSION_BLOB"); v != "" {
		c.Session.BlobFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Platform.Timezone); err != nil {
		return fmt.Errorf("invalid config: platform.timezone %q: %w", c.Platform.Timezone, err)
	}
	if c.Hot.Backend == "redis" && c.Hot.RedisURL == "" {
		return fmt.Errorf("invalid config: hot.redis_url is required for the redis backend")
	}
	if c.Hot.Backend == "badger" && c.Hot.BadgerPath == "" {
		return fmt.Errorf("invalid config: hot.badger_path is required for the badger backend")
	}
	return nil
}

// ProfileURL is the feed page of an account.
func (c *Config) ProfileURL(account string) string {
	return c.Platform.BaseURL + fmt.Sprintf(c.Platform.ProfilePath, account)
}

func (c *Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeout) * time.Second
}

func (c *Config) RankingTTL() time.Duration {
	return time.Duration(c.Hot.RankingTTL) * time.Second
}

func (c *Config) ProgressTTL() time.Duration {
	return time.Duration(c.Hot.ProgressTTL) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Objects.RetentionDays) * 24 * time.Hour
}
