// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config holds every setting of the server.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR,default=:8080"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	JWTSecret        string        `env:"JWT_SECRET,required=true"`
	TypingTimeout    time.Duration `env:"TYPING_TIMEOUT,default=2500ms"`
	SessionBuffer    int           `env:"SESSION_BUFFER,default=64"`
	HistoryPageSize  int           `env:"HISTORY_PAGE_SIZE,default=50"`
	HistoryMaxPage   int           `env:"HISTORY_MAX_PAGE,default=200"`
	HistoryCacheSize int           `env:"HISTORY_CACHE_SIZE,default=100"`
	LogLevel         string        `env:"LOG_LEVEL,default=info"`
	LogFormat        string        `env:"LOG_FORMAT,default=text"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnvSet builds a Config from es and validates it.
func FromEnvSet(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.TypingTimeout <= 0 {
		errs = append(errs, errors.New("TYPING_TIMEOUT must be positive"))
	}
	if c.SessionBuffer <= 0 {
		errs = append(errs, errors.New("SESSION_BUFFER must be positive"))
	}
	if c.HistoryPageSize <= 0 || c.HistoryMaxPage < c.HistoryPageSize {
		errs = append(errs, errors.New("HISTORY_PAGE_SIZE must be positive and at most HISTORY_MAX_PAGE"))
	}
	if c.HistoryCacheSize <= 0 {
		errs = append(errs, errors.New("HISTORY_CACHE_SIZE must be positive"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is neither text nor json", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	l, _ := c.level()
	opts := &slog.HandlerOptions{Level: l}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
