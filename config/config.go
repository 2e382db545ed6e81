package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Значения по умолчанию для бота.
const (
	DefaultUsername   = "pyswizzle"
	DefaultLyricsFile = "taylor.txt"
	DefaultLogLevel   = "CRITICAL"
)

// Config агрегирует значения конфигурации из переменных окружения.
type Config struct {
	Bot         BotConfig
	Twitch      TwitchConfig
	Postgres    PostgresConfig
	Batch       BatchConfig
	MetricsAddr string
}

// BotConfig содержит имя бота, файл с текстами и уровень логов.
type BotConfig struct {
	Username   string
	LyricsFile string
	LogLevel   string
}

// TwitchConfig содержит учётные данные и каналы для Twitch IRC клиента.
type TwitchConfig struct {
	Username   string
	OAuthToken string
	Channels   []string
}

// PostgresConfig хранит параметры подключения к пулу базы данных.
type PostgresConfig struct {
	Host     string
	Port     string
	DB       string
	User     string
	Password string
}

// Enabled сообщает, задан ли Postgres хотя бы одной переменной.
func (p PostgresConfig) Enabled() bool {
	return p.Host != "" || p.Port != "" || p.DB != "" || p.User != "" || p.Password != ""
}

// DSN собирает строку подключения для pgx/pgxpool.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.DB)
}

// BatchConfig задаёт параметры батчинга записи отправленных ответов.
type BatchConfig struct {
	MaxBatch      int
	FlushEvery    time.Duration
	ChanBuffer    int
	StatsLogEvery time.Duration
	FlushTimeout  time.Duration
}

// Load читает переменные окружения и подставляет значения по умолчанию.
// Проверка зависит от режима запуска, см. Validate.
func Load() Config {
	username := envOr("BOT_USERNAME", DefaultUsername)

	return Config{
		Bot: BotConfig{
			Username:   username,
			LyricsFile: envOr("LYRICS_FILE", DefaultLyricsFile),
			LogLevel:   envOr("LOG_LEVEL", DefaultLogLevel),
		},
		Twitch: TwitchConfig{
			Username:   username,
			OAuthToken: strings.TrimSpace(os.Getenv("TWITCH_OAUTH_TOKEN")),
			Channels:   splitAndTrim(os.Getenv("TWITCH_CHANNELS")),
		},
		Postgres: PostgresConfig{
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			DB:       strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: strings.TrimSpace(os.Getenv("POSTGRES_PASSWORD")),
		},
		Batch: BatchConfig{
			MaxBatch:      100,
			FlushEvery:    1500 * time.Millisecond,
			ChanBuffer:    4096,
			StatsLogEvery: 5 * time.Minute,
			FlushTimeout:  5 * time.Second,
		},
		MetricsAddr: strings.TrimSpace(os.Getenv("METRICS_ADDR")),
	}
}

// Validate проверяет конфигурацию. Для live-режима нужны учётные данные Twitch;
// Postgres либо не задан совсем, либо задан полностью.
func (c Config) Validate(live bool) error {
	if c.Bot.Username == "" {
		return fmt.Errorf("требуется BOT_USERNAME")
	}
	if c.Bot.LyricsFile == "" {
		return fmt.Errorf("требуется LYRICS_FILE")
	}

	if live {
		if c.Twitch.OAuthToken == "" {
			return fmt.Errorf("требуется TWITCH_OAUTH_TOKEN")
		}
		if len(c.Twitch.Channels) == 0 {
			return fmt.Errorf("требуется TWITCH_CHANNELS")
		}
	}

	if c.Postgres.Enabled() {
		if c.Postgres.Host == "" {
			return fmt.Errorf("требуется POSTGRES_HOST")
		}
		if c.Postgres.Port == "" {
			return fmt.Errorf("требуется POSTGRES_PORT")
		}
		if c.Postgres.DB == "" {
			return fmt.Errorf("требуется POSTGRES_DB")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("требуется POSTGRES_USER")
		}
		if c.Postgres.Password == "" {
			return fmt.Errorf("требуется POSTGRES_PASSWORD")
		}
	}

	if c.Batch.MaxBatch <= 0 {
		return fmt.Errorf("Batch.MaxBatch должен быть больше нуля")
	}
	if c.Batch.FlushEvery <= 0 {
		return fmt.Errorf("Batch.FlushEvery должен быть больше нуля")
	}
	if c.Batch.ChanBuffer <= 0 {
		return fmt.Errorf("Batch.ChanBuffer должен быть больше нуля")
	}
	if c.Batch.StatsLogEvery <= 0 {
		return fmt.Errorf("Batch.StatsLogEvery должен быть больше нуля")
	}
	if c.Batch.FlushTimeout <= 0 {
		return fmt.Errorf("Batch.FlushTimeout должен быть больше нуля")
	}

	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "#"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
