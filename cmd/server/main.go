package main

import (
	"github.com/ramanand00/Nuvyra-x/internal/config"
	"github.com/ramanand00/Nuvyra-x/internal/db"
	"github.com/ramanand00/Nuvyra-x/internal/email"
	clog "github.com/ramanand00/Nuvyra-x/internal/log"
	"github.com/ramanand00/Nuvyra-x/internal/server"
	"github.com/ramanand00/Nuvyra-x/internal/service"
	"github.com/ramanand00/Nuvyra-x/internal/verify"
	"github.com/ramanand00/Nuvyra-x/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接 Postgres 和 Redis 并启动服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	hub := ws.NewHub()
	codes := verify.NewStore(rdb)
	mailer := email.NewSMTPSender(cfg)
	userSvc := service.NewUserService(gdb, cfg, codes, mailer)
	chatSvc := service.NewChatService(gdb, hub)
	h := server.NewHandler(userSvc, chatSvc)

	r := server.SetupRouter(cfg, gdb, hub, h)
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
