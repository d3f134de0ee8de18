package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	LLM     LLMConfig
	Memory  MemoryConfig
	KB      KBConfig
	Profile ProfileConfig
	DB      DBConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Paths   PathsConfig
	Console ConsoleConfig
	Metrics MetricsConfig
	Log     LogConfig
}

type LLMConfig struct {
	APIKey         string  `validate:"required"`
	BaseURL        string
	Model          string  `validate:"required"`
	EmbeddingModel string
	Temperature    float64 `validate:"gte=0,lte=2"`
	MaxRetries     int     `validate:"gte=1"`
	BackoffBase    time.Duration
	RequestTimeout time.Duration
}

// MemoryConfig controls the conversation window and the scratchpads.
type MemoryConfig struct {
	TokenThreshold    int `validate:"gte=1"`
	ScratchpadTurns   int `validate:"gte=1"`
	ProfileUtterances int `validate:"gte=1"`
	Workers           int `validate:"gte=1"`
	QueueSize         int `validate:"gte=1"`
}

type KBConfig struct {
	Backend            string  `validate:"oneof=sqlite postgres"`
	Embedder           string  `validate:"oneof=openai hash"`
	SQLitePath         string
	SplitWordThreshold int     `validate:"gte=1"`
	RelevanceThreshold float64 `validate:"gte=0,lte=1"`
	EmbeddingDims      int     `validate:"gte=1"`
	// MigrationsPath overrides the migrations compiled into the binary.
	MigrationsPath     string
}

type ProfileConfig struct {
	Backend string `validate:"oneof=file redis"`
	Path    string
	Key     string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

// PathsConfig locates prompt templates and the write-only log directories.
type PathsConfig struct {
	PromptsDir  string
	ChatLogsDir string
	APILogsDir  string
	DBLogsDir   string
}

type ConsoleConfig struct {
	Width int `validate:"gte=20"`
}

type MetricsConfig struct {
	Host string
	Port int
}

func (c MetricsConfig) Enabled() bool {
	return c.Port > 0
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the given dotenv file (ignored when missing) and then the process
// environment, which takes precedence.
func LoadFile(dotenvPath string) (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(dotenvPath), dotenv.ParserEnv("", ".", envKey))

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		LLM: LLMConfig{
			APIKey:         k.String("openai.api.key"),
			BaseURL:        k.String("openai.base.url"),
			Model:          k.String("llm.model"),
			EmbeddingModel: k.String("llm.embedding.model"),
			Temperature:    k.Float64("llm.temperature"),
			MaxRetries:     k.Int("llm.max.retries"),
		},
		Memory: MemoryConfig{
			TokenThreshold:    k.Int("memory.token.threshold"),
			ScratchpadTurns:   k.Int("memory.scratchpad.turns"),
			ProfileUtterances: k.Int("memory.profile.utterances"),
			Workers:           k.Int("memory.workers"),
			QueueSize:         k.Int("memory.queue.size"),
		},
		KB: KBConfig{
			Backend:            k.String("kb.backend"),
			Embedder:           k.String("kb.embedder"),
			SQLitePath:         k.String("kb.sqlite.path"),
			SplitWordThreshold: k.Int("kb.split.words"),
			RelevanceThreshold: k.Float64("kb.relevance.threshold"),
			EmbeddingDims:      k.Int("kb.embedding.dims"),
			MigrationsPath:     k.String("kb.migrations.path"),
		},
		Profile: ProfileConfig{
			Backend: k.String("profile.backend"),
			Path:    k.String("profile.path"),
			Key:     k.String("profile.key"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Enabled:  k.Bool("redis.enabled"),
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Paths: PathsConfig{
			PromptsDir:  k.String("prompts.dir"),
			ChatLogsDir: k.String("chat.logs.dir"),
			APILogsDir:  k.String("api.logs.dir"),
			DBLogsDir:   k.String("db.logs.dir"),
		},
		Console: ConsoleConfig{
			Width: k.Int("console.width"),
		},
		Metrics: MetricsConfig{
			Host: k.String("metrics.host"),
			Port: k.Int("metrics.port"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	applyDefaults(cfg)

	// Parse durations
	backoffStr := k.String("llm.backoff.base")
	if backoffStr == "" {
		backoffStr = "5s"
	}
	cfg.LLM.BackoffBase, err = time.ParseDuration(backoffStr)
	if err != nil {
		return nil, fmt.Errorf("parsing llm backoff base: %w", err)
	}

	timeoutStr := k.String("llm.request.timeout")
	if timeoutStr == "" {
		timeoutStr = "120s"
	}
	cfg.LLM.RequestTimeout, err = time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing llm request timeout: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "."))
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4"
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 7
	}
	if cfg.Memory.TokenThreshold == 0 {
		cfg.Memory.TokenThreshold = 12000
	}
	if cfg.Memory.ScratchpadTurns == 0 {
		cfg.Memory.ScratchpadTurns = 5
	}
	if cfg.Memory.ProfileUtterances == 0 {
		cfg.Memory.ProfileUtterances = 3
	}
	if cfg.Memory.Workers == 0 {
		cfg.Memory.Workers = 2
	}
	if cfg.Memory.QueueSize == 0 {
		cfg.Memory.QueueSize = 16
	}
	if cfg.KB.Backend == "" {
		cfg.KB.Backend = "sqlite"
	}
	if cfg.KB.Embedder == "" {
		cfg.KB.Embedder = "openai"
	}
	if cfg.KB.SQLitePath == "" {
		cfg.KB.SQLitePath = "kb.db"
	}
	if cfg.KB.SplitWordThreshold == 0 {
		cfg.KB.SplitWordThreshold = 1000
	}
	if cfg.KB.EmbeddingDims == 0 {
		cfg.KB.EmbeddingDims = 1536
	}
	if cfg.Profile.Backend == "" {
		cfg.Profile.Backend = "file"
	}
	if cfg.Profile.Path == "" {
		cfg.Profile.Path = "user_profile.txt"
	}
	if cfg.Profile.Key == "" {
		cfg.Profile.Key = "kbchat:profile"
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "kbchat"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "kbchat"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 4
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Paths.PromptsDir == "" {
		cfg.Paths.PromptsDir = "prompts"
	}
	if cfg.Paths.ChatLogsDir == "" {
		cfg.Paths.ChatLogsDir = "chat_logs"
	}
	if cfg.Paths.APILogsDir == "" {
		cfg.Paths.APILogsDir = "api_logs"
	}
	if cfg.Paths.DBLogsDir == "" {
		cfg.Paths.DBLogsDir = "db_logs"
	}
	if cfg.Console.Width == 0 {
		cfg.Console.Width = 120
	}
	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = "127.0.0.1"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
