package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	AI       AIConfig
	Target   TargetConfig
	Attack   AttackConfig
	Log      LogConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig 数据库配置
// Driver 为 postgres 时使用 Host 等字段，为 sqlite 时使用 Path（":memory:" 为内存库）
type DatabaseConfig struct {
	Driver       string
	Path         string
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
}

// RedisConfig Redis配置，Host 为空时不启用
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig 媒体文件存储配置
type StorageConfig struct {
	Type      string // local, minio
	LocalPath string
	URLPrefix string
	MinIO     MinIOConfig
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

// AIConfig AI配置
type AIConfig struct {
	Provider  string
	OpenAI    OpenAIConfig
	Alibaba   AlibabaConfig
	DeepSeek  DeepSeekConfig
	Embedding EmbeddingConfig
}

// OpenAIConfig OpenAI配置
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// AlibabaConfig 阿里云配置
type AlibabaConfig struct {
	AccessKeySecret string
	Model           string
	Timeout         int
}

// DeepSeekConfig DeepSeek配置
type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// EmbeddingConfig Embedding配置，APIKey 为空时不生成向量
type EmbeddingConfig struct {
	Provider   string
	Model      string
	APIKey     string
	Timeout    int
	Dimensions int
}

// TargetConfig 目标调用配置
type TargetConfig struct {
	RequestsPerMinute    int
	SupportsJSON         bool
	MaxAttempts          int
	InitialBackoffMillis int
	MaxBackoffSeconds    int
	BackoffMultiplier    float64
	BackoffJitter        float64
}

// AttackConfig 攻击编排默认值
type AttackConfig struct {
	BatchSize          int
	MaxTurns           int
	MaxBacktracks      int
	CheckpointTTLHours int
}

// LogConfig 日志配置
type LogConfig struct {
	Mode string // development, production
}

var globalConfig *Config

// Load 加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 环境变量
	v.SetEnvPrefix("NEXT_REDTEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("config not loaded")
	}
	return globalConfig
}

// Validate 校验不可能的取值
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Storage.Type {
	case "local", "minio":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Attack.BatchSize < 1 {
		return fmt.Errorf("attack.batchSize must be >= 1, got %d", c.Attack.BatchSize)
	}
	if c.Attack.MaxTurns < 1 {
		return fmt.Errorf("attack.maxTurns must be >= 1, got %d", c.Attack.MaxTurns)
	}
	if c.Attack.MaxBacktracks < 0 {
		return fmt.Errorf("attack.maxBacktracks must be >= 0, got %d", c.Attack.MaxBacktracks)
	}
	if c.Target.RequestsPerMinute < 0 {
		return fmt.Errorf("target.requestsPerMinute must be >= 0, got %d", c.Target.RequestsPerMinute)
	}
	return nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled Redis 是否启用
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// InitialBackoff 首次退避时长
func (c *TargetConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMillis) * time.Millisecond
}

// CheckpointTTL 攻击检查点保留时长
func (c *AttackConfig) CheckpointTTL() time.Duration {
	return time.Duration(c.CheckpointTTLHours) * time.Hour
}

// MaxBackoff 退避上限
func (c *TargetConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "next-redteam")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)

	// Database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/redteam.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "next_redteam")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.maxLifetime", 300)

	// Redis
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Storage
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.localPath", "./data/media")
	v.SetDefault("storage.urlPrefix", "/media")
	v.SetDefault("storage.minio.bucketName", "redteam-media")

	// AI
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.openai.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.deepseek.baseUrl", "https://api.deepseek.com/v1")
	v.SetDefault("ai.embedding.provider", "dashscope")

	// Target
	v.SetDefault("target.requestsPerMinute", 0)
	v.SetDefault("target.supportsJson", true)
	v.SetDefault("target.maxAttempts", 5)
	v.SetDefault("target.initialBackoffMillis", 1000)
	v.SetDefault("target.maxBackoffSeconds", 60)
	v.SetDefault("target.backoffMultiplier", 2.0)
	v.SetDefault("target.backoffJitter", 0.1)

	// Attack
	v.SetDefault("attack.batchSize", 10)
	v.SetDefault("attack.maxTurns", 5)
	v.SetDefault("attack.maxBacktracks", 3)
	v.SetDefault("attack.checkpointTtlHours", 24)

	// Log
	v.SetDefault("log.mode", "development")
}
