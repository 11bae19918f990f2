package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 OpenProof 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Dedup     DedupConfig     `json:"dedup"`
	Web3      Web3Config      `json:"web3"`
	Auth      AuthConfig      `json:"auth"`
	Relayer   RelayerConfig   `json:"relayer"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述存证与凭证两套记录的存储后端。
type StorageConfig struct {
	ProofStore   StoreConfig `json:"proof_store"`
	VoucherStore StoreConfig `json:"voucher_store"`
}

// StoreConfig 支持 memory 与 mysql 两种驱动。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述凭证事件队列,支持 memory、redis 与 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数,队列与去重索引共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 队列后端。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// DedupConfig 描述凭证履约的去重索引,支持 memory 与 redis。
type DedupConfig struct {
	Driver          string      `json:"driver"`
	Redis           RedisConfig `json:"redis"`
	ClaimTTLSeconds int         `json:"claim_ttl_seconds"`
}

// Web3Config 指向链清单文件,hub 与所有目标链在其中声明。
type Web3Config struct {
	ChainsPath string `json:"chains_path"`
}

// AuthConfig 控制钱包签名的时效窗口与状态查询的运营令牌。
type AuthConfig struct {
	MaxStaleSeconds int              `json:"max_stale_seconds"`
	MaxSkewSeconds  int              `json:"max_skew_seconds"`
	AccessTokens    []string         `json:"access_tokens"`
	TokenStore      TokenStoreConfig `json:"token_store"`
}

// TokenStoreConfig 描述短效读取令牌的存储,支持 memory 与 redis。
type TokenStoreConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RelayerConfig 控制凭证中继与清扫的运行参数。
type RelayerConfig struct {
	OriginTag            string `json:"origin_tag"`
	Workers              int    `json:"workers"`
	MaxAttempts          int    `json:"max_attempts"`
	RetryDelaySeconds    int    `json:"retry_delay_seconds"`
	VoucherTTLHours      int    `json:"voucher_ttl_hours"`
	SweepIntervalMinutes int    `json:"sweep_interval_minutes"`
}

// RateLimitConfig 控制提交与查询两类接口的限流参数。
type RateLimitConfig struct {
	SubmitPerMinute int `json:"submit_per_minute"`
	SubmitBurst     int `json:"submit_burst"`
	ReadPerSecond   int `json:"read_per_second"`
	ReadBurst       int `json:"read_burst"`
}

// LoggingConfig 透传给日志初始化。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
	// 审计日志轮转参数，零值走日志层默认
	AuditMaxSizeMB  int `json:"audit_max_size_mb"`
	AuditMaxBackups int `json:"audit_max_backups"`
	AuditMaxAgeDays int `json:"audit_max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ProofStore.Driver == "" {
		c.Storage.ProofStore.Driver = "memory"
	}
	if c.Storage.VoucherStore.Driver == "" {
		c.Storage.VoucherStore.Driver = c.Storage.ProofStore.Driver
	}
	if c.Storage.VoucherStore.DSN == "" {
		c.Storage.VoucherStore.DSN = c.Storage.ProofStore.DSN
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "openproof.vouchers"
	}

	if c.Dedup.Driver == "" {
		c.Dedup.Driver = "memory"
	}
	if c.Dedup.ClaimTTLSeconds <= 0 {
		c.Dedup.ClaimTTLSeconds = 600
	}

	if c.Web3.ChainsPath == "" {
		c.Web3.ChainsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainsPath) {
		c.Web3.ChainsPath = filepath.Join(baseDir, c.Web3.ChainsPath)
	}

	if c.Auth.MaxStaleSeconds <= 0 {
		c.Auth.MaxStaleSeconds = 300
	}
	if c.Auth.MaxSkewSeconds <= 0 {
		c.Auth.MaxSkewSeconds = 30
	}
	if c.Auth.TokenStore.Driver == "" {
		c.Auth.TokenStore.Driver = "memory"
	}

	if c.Relayer.OriginTag == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "openproofd"
		}
		c.Relayer.OriginTag = host
	}
	if c.Relayer.Workers <= 0 {
		c.Relayer.Workers = 4
	}
	if c.Relayer.MaxAttempts <= 0 {
		c.Relayer.MaxAttempts = 5
	}
	if c.Relayer.RetryDelaySeconds <= 0 {
		c.Relayer.RetryDelaySeconds = 5
	}
	if c.Relayer.VoucherTTLHours <= 0 {
		c.Relayer.VoucherTTLHours = 24
	}
	if c.Relayer.SweepIntervalMinutes <= 0 {
		c.Relayer.SweepIntervalMinutes = 10
	}

	if c.RateLimit.SubmitPerMinute <= 0 {
		c.RateLimit.SubmitPerMinute = 10
	}
	if c.RateLimit.SubmitBurst <= 0 {
		c.RateLimit.SubmitBurst = 5
	}
	if c.RateLimit.ReadPerSecond <= 0 {
		c.RateLimit.ReadPerSecond = 20
	}
	if c.RateLimit.ReadBurst <= 0 {
		c.RateLimit.ReadBurst = 40
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ClaimTTL 返回去重占位的存活时长。
func (c *DedupConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// RetryDelay 返回瞬时失败的退避间隔。
func (c *RelayerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// VoucherTTL 返回凭证从签发到被清扫放弃的存活时限。
func (c *RelayerConfig) VoucherTTL() time.Duration {
	return time.Duration(c.VoucherTTLHours) * time.Hour
}

// SweepInterval 返回清扫器的巡检周期。
func (c *RelayerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// FreshnessWindow 返回签名时间戳允许的最大陈旧与漂移区间。
func (c *AuthConfig) FreshnessWindow() (maxStale, maxSkew time.Duration) {
	return time.Duration(c.MaxStaleSeconds) * time.Second,
		time.Duration(c.MaxSkewSeconds) * time.Second
}
