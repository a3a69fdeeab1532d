package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config 为进程配置。标量来自环境变量（以及可选的 .env），
// 订阅源分组、任务和模型价格来自 SCHEDULE_FILE。
type Config struct {
	AppPort       string `env:"APP_PORT" envDefault:"9000"`
	PostgresDSN   string `env:"POSTGRES_DSN" envDefault:"host=localhost user=tradebutler password=tradebutler dbname=tradebutler port=5432 sslmode=disable TimeZone=UTC"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	Timezone      string `env:"TIMEZONE" envDefault:"Asia/Seoul"`
	ScheduleFile  string `env:"SCHEDULE_FILE"`

	BasicAuthUser string `env:"APP_BASIC_USER"`
	BasicAuthPass string `env:"APP_BASIC_PASS"`

	// 标注结果在 Redis 中的有效期
	AnnotationCacheTTL time.Duration `env:"ANNOTATION_CACHE_TTL" envDefault:"168h"`

	Pool       PoolConfig     `envPrefix:"POOL_"`
	Fetch      FetchConfig    `envPrefix:"FETCH_"`
	LLM        LLMConfig      `envPrefix:"LLM_"`
	Budget     BudgetConfig   `envPrefix:"BUDGET_"`
	Retry      RetryConfig    `envPrefix:"RETRY_"`
	Telegram   TelegramConfig `envPrefix:"TELEGRAM_"`
	FeedGroups map[string][]FeedConfig
	Jobs       []JobConfig
	Pricing    map[string]PriceConfig
}

type PoolConfig struct {
	Workers    int           `env:"WORKERS" envDefault:"4"`
	QueueSize  int           `env:"QUEUE_SIZE" envDefault:"64"`
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"10m"`
}

type FetchConfig struct {
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"15s"`
	SourceMinInterval time.Duration `env:"SOURCE_MIN_INTERVAL" envDefault:"2s"`
	ExtractorURL      string        `env:"EXTRACTOR_URL"`
	// 正文短于该长度时抓取原文
	MinBodyLength int `env:"MIN_BODY_LENGTH" envDefault:"200"`
}

type LLMConfig struct {
	Endpoint        string        `env:"ENDPOINT" envDefault:"https://api.openai.com/v1/chat/completions"`
	APIKey          string        `env:"API_KEY"`
	Model           string        `env:"MODEL" envDefault:"gpt-3.5-turbo"`
	CallTimeout     time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	MaxInputLength  int           `env:"MAX_INPUT" envDefault:"3000"`
	MaxInFlight     int           `env:"MAX_INFLIGHT" envDefault:"2"`
	MinInterval     time.Duration `env:"MIN_INTERVAL" envDefault:"500ms"`
	OutageThreshold int           `env:"OUTAGE_THRESHOLD" envDefault:"3"`
}

type BudgetConfig struct {
	Ceiling decimal.Decimal `env:"CEILING" envDefault:"10"`
	// day | month
	Window string `env:"WINDOW" envDefault:"day"`
}

type RetryConfig struct {
	Attempts  int           `env:"ATTEMPTS" envDefault:"4"`
	BaseDelay time.Duration `env:"BASE_DELAY" envDefault:"500ms"`
	MaxDelay  time.Duration `env:"MAX_DELAY" envDefault:"10s"`
}

type TelegramConfig struct {
	BotToken string `env:"BOT_TOKEN"`
	ChatID   string `env:"CHAT_ID"`
}

// FeedConfig 描述一个 RSS/Atom 源。
type FeedConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Source   string `yaml:"source"`
	Category string `yaml:"category"`
	Language string `yaml:"language"`
}

// JobConfig 描述一个命名的周期任务。
type JobConfig struct {
	Name      string `yaml:"name"`
	Cadence   string `yaml:"cadence"`
	Kind      string `yaml:"kind"`
	Priority  int    `yaml:"priority"`
	Queue     string `yaml:"queue"`
	FeedGroup string `yaml:"feed_group,omitempty"`
	Limit     int    `yaml:"limit,omitempty"`
}

// PriceConfig 以十进制字符串保存每千 token 的价格。
type PriceConfig struct {
	InputPer1K  string `yaml:"input_per_1k"`
	OutputPer1K string `yaml:"output_per_1k"`
}

type fileConfig struct {
	FeedGroups map[string][]FeedConfig `yaml:"feed_groups"`
	Jobs       []JobConfig             `yaml:"jobs"`
	Pricing    map[string]PriceConfig  `yaml:"pricing"`
}

// Load 读取 .env（若存在）、环境变量和调度文件，然后校验。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: load .env failed", "err", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(cfg)
	if cfg.ScheduleFile != "" {
		if err := cfg.mergeFile(cfg.ScheduleFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"port", cfg.AppPort,
		"storage", cfg.StorageDriver,
		"jobs", len(cfg.Jobs),
		"model", cfg.LLM.Model,
		"budget", cfg.Budget.Ceiling.String()+"/"+cfg.Budget.Window,
	)
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schedule file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("decode schedule file: %w", err)
	}
	if len(fc.FeedGroups) > 0 {
		c.FeedGroups = fc.FeedGroups
	}
	if len(fc.Jobs) > 0 {
		c.Jobs = fc.Jobs
	}
	for model, p := range fc.Pricing {
		c.Pricing[model] = p
	}
	return nil
}

// Validate 拒绝调度器无法运行的配置。
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("POOL_WORKERS must be positive, got %d", c.Pool.Workers)
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("POOL_QUEUE_SIZE must be positive, got %d", c.Pool.QueueSize)
	}
	if !c.Budget.Ceiling.IsPositive() {
		return fmt.Errorf("BUDGET_CEILING must be positive, got %s", c.Budget.Ceiling)
	}
	if c.Budget.Window != "day" && c.Budget.Window != "month" {
		return fmt.Errorf("BUDGET_WINDOW must be day or month, got %q", c.Budget.Window)
	}
	if c.StorageDriver != "postgres" && c.StorageDriver != "memory" {
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.StorageDriver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	seen := make(map[string]struct{}, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Name == "" {
			return errors.New("job name is required")
		}
		if _, dup := seen[j.Name]; dup {
			return fmt.Errorf("duplicate job %q", j.Name)
		}
		seen[j.Name] = struct{}{}

		if _, err := parser.Parse(j.Cadence); err != nil {
			return fmt.Errorf("job %q: invalid cadence %q: %w", j.Name, j.Cadence, err)
		}
		switch j.Kind {
		case "poll":
			if j.FeedGroup != "" && j.FeedGroup != "all" {
				if _, ok := c.FeedGroups[j.FeedGroup]; !ok {
					return fmt.Errorf("job %q: unknown feed group %q", j.Name, j.FeedGroup)
				}
			}
		case "reannotate", "health_check":
		default:
			return fmt.Errorf("job %q: unknown kind %q", j.Name, j.Kind)
		}
	}

	for model, p := range c.Pricing {
		if _, err := decimal.NewFromString(p.InputPer1K); err != nil {
			return fmt.Errorf("pricing %q: invalid input rate: %w", model, err)
		}
		if _, err := decimal.NewFromString(p.OutputPer1K); err != nil {
			return fmt.Errorf("pricing %q: invalid output rate: %w", model, err)
		}
	}
	return nil
}

// Location 是计算调度周期使用的时区。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
