package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisAddr             string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	SMTPHost              string
	SMTPPort              string
	SMTPUser              string
	SMTPPass              string
	EmailFrom             string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量读取配置；本地开发时会先尝试加载 .env 文件。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=nuvyra port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		SMTPHost:              getenv("SMTP_HOST", "localhost"),
		SMTPPort:              getenv("SMTP_PORT", "587"),
		SMTPUser:              getenv("SMTP_USER", ""),
		SMTPPass:              getenv("SMTP_PASS", ""),
		EmailFrom:             getenv("EMAIL_FROM", "no-reply@nuvyra.app"),
	}
}

// Validate 检查部署前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("config: default jwt secret is not allowed outside dev")
	}
	return nil
}
