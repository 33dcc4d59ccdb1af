package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-redteam/internal/config"
	"github.com/ashwinyue/next-redteam/internal/database"
	"github.com/ashwinyue/next-redteam/internal/handler"
	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/router"
	"github.com/ashwinyue/next-redteam/internal/service"
	"github.com/ashwinyue/next-redteam/internal/service/callback"
)

func main() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	// 加载配置，配置文件不存在时使用默认值与环境变量
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logr.Sync()

	// 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		logr.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	logr.Info("database connected", "driver", cfg.Database.Driver)

	// 初始化 Redis，未配置时检查点只保存在内存
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logr.Warn("redis unavailable, checkpoints stay in memory", "addr", cfg.Redis.GetAddr(), "error", err)
		}
		cancel()
	}

	callback.SetupGlobalCallbacks(logr, cfg.App.Debug)

	// 初始化各层
	services, err := service.NewServices(context.Background(), cfg, db, redisClient, logr, m)
	if err != nil {
		logr.Error("failed to init services", "error", err)
		_ = db.Close()
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logr.Error("failed to close services", "error", err)
		}
	}()
	handlers := handler.NewHandlers(services)

	// 初始化路由
	r := router.SetupRouter(handlers, logr, m)

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 启动服务器
	go func() {
		logr.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server")

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("server forced to shutdown", "error", err)
	}

	logr.Info("server exited")
}
