package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
)

func (e Env) IsValid() bool {
	switch e {
	case EnvProd, EnvDev:
		return true
	}
	return false
}

type StoreBackend string

const (
	StoreSQLite StoreBackend = "sqlite"
	StoreRedis  StoreBackend = "redis"
	StoreMemory StoreBackend = "memory"
)

func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreSQLite, StoreRedis, StoreMemory:
		return true
	}
	return false
}

type Config struct {
	Env      Env    `env:"ENV" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL"`

	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"8080"`

	DBPath         string        `env:"DB_PATH" envDefault:"./data/sketchsync.db"`
	StoreBackend   StoreBackend  `env:"STORE_BACKEND" envDefault:"sqlite"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"sketchsync"`

	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"sketchsync.events"`

	SendQueueSize     int     `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	MaxMessageBytes   int64   `env:"MAX_MESSAGE_BYTES" envDefault:"1048576"`
	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND" envDefault:"1000"`
	MessageBurst      int     `env:"MESSAGE_BURST" envDefault:"2000"`
	CursorPerSecond   float64 `env:"CURSOR_PER_SECOND" envDefault:"30"`

	CompactionInterval  time.Duration `env:"COMPACTION_INTERVAL" envDefault:"5m"`
	CompactionThreshold int           `env:"COMPACTION_THRESHOLD" envDefault:"500"`

	RequireAuth    bool     `env:"REQUIRE_AUTH" envDefault:"false"`
	PaletteSeed    uint64   `env:"PALETTE_SEED"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func New() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if !c.Env.IsValid() {
		return fmt.Errorf("invalid env variable (must be 'prod' or 'dev')")
	}
	if !c.StoreBackend.IsValid() {
		return fmt.Errorf("invalid STORE_BACKEND %q (must be sqlite, redis or memory)", c.StoreBackend)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 || c.CursorPerSecond <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// OriginAllowed reports whether a websocket or CORS origin may connect. An
// empty allow list admits every origin.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// NewLogger returns a JSON logger in prod and a debug-level text logger in
// dev. LOG_LEVEL overrides the level in either mode.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if c.Env == EnvDev {
		level = slog.LevelDebug
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Env == EnvDev {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
