package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 zerolog 日志：dev 环境输出彩色控制台格式，其余输出 JSON。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "nuvyra").Logger()
	if env == "test" {
		logger = logger.Level(zerolog.WarnLevel)
	}
	log.Logger = logger
}
