package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/embedding"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-redteam/internal/config"
	"github.com/ashwinyue/next-redteam/internal/database"
	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/pkg/retry"
	"github.com/ashwinyue/next-redteam/internal/service/callback"
	"github.com/ashwinyue/next-redteam/internal/service/file"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
	"github.com/ashwinyue/next-redteam/internal/service/normalizer"
	"github.com/ashwinyue/next-redteam/internal/service/session"
)

// Services 服务集合，进程内共享
type Services struct {
	Config *config.Config
	DB     *database.DB

	Memory      memory.Memory
	Normalizer  *normalizer.Normalizer
	Checkpoints *session.Manager
	Storage     file.Storage
	// TargetRetry 所有目标调用共用的退避策略，评分器与 LLM 转换器也使用它
	TargetRetry *retry.Policy

	// ChatModel 为 nil 时无法创建基于模型的目标、评分器与转换器
	ChatModel einomodel.BaseChatModel
	Embedder  embedding.Embedder
	Callbacks []callbacks.Handler

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// NewServices 创建所有服务
// 模型与向量配置缺失时只记录警告，记忆与回放类接口仍可用
func NewServices(ctx context.Context, cfg *config.Config, db *database.DB, redisClient *redis.Client, log *logger.Logger, m *metrics.Metrics) (*Services, error) {
	log = logger.OrNop(log)

	var chatModel einomodel.BaseChatModel
	if cm, err := newChatModel(ctx, cfg); err != nil {
		log.Warn("chat model unavailable", "provider", cfg.AI.Provider, "error", err)
	} else {
		chatModel = cm
	}

	var embedder embedding.Embedder
	if emb, err := newEmbedder(ctx, cfg); err != nil {
		log.Warn("embedder unavailable", "provider", cfg.AI.Embedding.Provider, "error", err)
	} else {
		embedder = emb
	}

	storage, err := file.NewStorageFromConfig(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create media storage: %w", err)
	}

	mem := memory.NewStore(db, &memory.Options{
		Embedder:       embedder,
		EmbeddingModel: cfg.AI.Embedding.Model,
		Logger:         log,
		Metrics:        m,
	})

	targetRetry := retry.TargetPolicy(backoffConfig(&cfg.Target))
	n, err := normalizer.New(&normalizer.Config{
		Memory:  mem,
		Retry:   targetRetry,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	log.Info("services initialized",
		"chat_model", chatModel != nil,
		"embedder", embedder != nil,
		"storage", cfg.Storage.Type,
		"redis", redisClient != nil,
	)

	return &Services{
		Config:      cfg,
		DB:          db,
		Memory:      mem,
		Normalizer:  n,
		Checkpoints: session.NewManager(redisClient, cfg.Attack.CheckpointTTL(), log),
		Storage:     storage,
		TargetRetry: targetRetry,
		ChatModel:   chatModel,
		Embedder:    embedder,
		Callbacks:   []callbacks.Handler{callback.NewLogger(log, cfg.App.Debug)},
		Logger:      log,
		Metrics:     m,
	}, nil
}

// Close 释放记忆，等待向量任务结束后关闭数据库
func (s *Services) Close() error {
	if s.Memory == nil {
		return nil
	}
	return s.Memory.Dispose()
}

// Ping 检查数据库连接
func (s *Services) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Ping(ctx)
}

func backoffConfig(cfg *config.TargetConfig) retry.BackoffConfig {
	return retry.BackoffConfig{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialBackoff(),
		Multiplier:      cfg.BackoffMultiplier,
		Randomization:   cfg.BackoffJitter,
		MaxInterval:     cfg.MaxBackoff(),
	}
}

// newChatModel 创建 ChatModel，各厂商均走 OpenAI 兼容接口
func newChatModel(ctx context.Context, cfg *config.Config) (einomodel.BaseChatModel, error) {
	aiCfg := cfg.AI

	var apiKey, baseURL, modelName string
	var timeout int

	switch aiCfg.Provider {
	case "openai":
		apiKey = aiCfg.OpenAI.APIKey
		baseURL = aiCfg.OpenAI.BaseURL
		modelName = aiCfg.OpenAI.Model
		timeout = aiCfg.OpenAI.Timeout
	case "alibaba", "qwen", "dashscope":
		apiKey = aiCfg.Alibaba.AccessKeySecret
		baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		modelName = aiCfg.Alibaba.Model
		timeout = aiCfg.Alibaba.Timeout
	case "deepseek":
		apiKey = aiCfg.DeepSeek.APIKey
		baseURL = aiCfg.DeepSeek.BaseURL
		modelName = aiCfg.DeepSeek.Model
		timeout = aiCfg.DeepSeek.Timeout
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", aiCfg.Provider)
	}

	if apiKey == "" {
		return nil, fmt.Errorf("api_key is required for provider: %s", aiCfg.Provider)
	}

	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	temperature := float32(0.7)
	modelCfg := &openai.ChatModelConfig{
		APIKey:      apiKey,
		BaseURL:     baseURL,
		Model:       modelName,
		Temperature: &temperature,
	}
	if timeout > 0 {
		modelCfg.Timeout = time.Duration(timeout) * time.Second
	}
	cm, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// newEmbedder 创建 Embedding 器，未配置 api key 时返回 nil
func newEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, error) {
	embCfg := cfg.AI.Embedding

	switch embCfg.Provider {
	case "alibaba", "qwen", "dashscope", "":
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", embCfg.Provider)
	}

	if embCfg.APIKey == "" {
		return nil, nil
	}

	model := embCfg.Model
	if model == "" {
		model = "text-embedding-v3"
	}

	embConfig := &dashscope.EmbeddingConfig{
		APIKey: embCfg.APIKey,
		Model:  model,
	}
	if embCfg.Timeout > 0 {
		embConfig.Timeout = time.Duration(embCfg.Timeout) * time.Second
	}
	if embCfg.Dimensions > 0 {
		dims := embCfg.Dimensions
		embConfig.Dimensions = &dims
	}

	emb, err := dashscope.NewEmbedder(ctx, embConfig)
	if err != nil {
		return nil, err
	}
	return emb, nil
}
