package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/opencollective/ledger/internal/config"
	"github.com/opencollective/ledger/internal/database"
	"github.com/opencollective/ledger/internal/logger"
	"github.com/opencollective/ledger/internal/router"
	"github.com/opencollective/ledger/internal/task"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	level := logger.ParseLogLevel(cfg.Log.Level)
	if cfg.Log.Output == "file" {
		l, err := logger.NewWithFileRotation(level, cfg.Log.File)
		if err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
		logger.SetDefaultLogger(l)
	} else {
		logger.SetLevel(level)
	}
	defer logger.Sync()

	// 初始化数据库
	db, err := database.Init(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化路由
	r := router.Setup(db, cfg)

	// 启动定时任务
	manager := task.Start(db, cfg)
	defer manager.Stop()

	// 启动服务器
	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
