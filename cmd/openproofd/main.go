package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenProof-Chain/internal/api"
	"OpenProof-Chain/internal/config"
	"OpenProof-Chain/internal/observability/alerting"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/verifier/builtin"
	"OpenProof-Chain/internal/voucher"
	"OpenProof-Chain/internal/wallet"
	"OpenProof-Chain/internal/web3/provider"
	"OpenProof-Chain/pkg/logger"
)

// main 是 OpenProof 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openproofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENPROOF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openproof.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	}
	if cfg.Logging.AuditPath != "" {
		logCfg.Audit = logger.AuditConfig{
			Enabled:    true,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSizeMB,
			MaxBackups: cfg.Logging.AuditMaxBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAgeDays,
		}
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}

	// 链注册表:hub 用于签名认证与验证器读取,其余链用于凭证锚定。
	chains, err := provider.NewRegistry(ctx, cfg.Web3.ChainsPath)
	if err != nil {
		return err
	}
	defer chains.Close()

	hubReader, err := chains.HubReader()
	if err != nil {
		return err
	}

	maxStale, maxSkew := cfg.Auth.FreshnessWindow()
	authOpts := []wallet.Option{wallet.WithFreshnessWindow(maxStale, maxSkew)}
	if validator, ok := chains.SignatureValidator(chains.Hub()); ok {
		authOpts = append(authOpts, wallet.WithSignatureValidator(validator))
	}
	auth := wallet.NewAuthenticator(hubReader, authOpts...)

	registry := verifier.NewRegistry()
	builtins := []verifier.Verifier{
		builtin.NewOwnershipVerifier(),
		builtin.NewNFTOwnershipVerifier(chains),
		builtin.NewTokenBalanceVerifier(chains),
	}
	for _, v := range builtins {
		if err := registry.Register(v); err != nil {
			return err
		}
	}

	proofStore, err := newProofStore(cfg)
	if err != nil {
		return err
	}
	defer proofStore.Close()

	voucherStore, err := newVoucherStore(cfg)
	if err != nil {
		return err
	}
	defer voucherStore.Close()

	queue, err := newVoucherQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭凭证队列失败: %v", err)
		}
	}()

	dedup, err := newDedup(cfg)
	if err != nil {
		return err
	}
	defer dedup.Close()

	tokens, err := newTokenStore(cfg)
	if err != nil {
		return err
	}
	defer tokens.Close()

	alerts := alerting.NewFanout()

	issuerOpts := []voucher.IssuerOption{voucher.WithMaxAttempts(cfg.Relayer.MaxAttempts)}
	if hubRelay, ok := chains.Relay(chains.Hub()); ok {
		issuerOpts = append(issuerOpts, voucher.WithHubRelay(hubRelay))
	}
	issuer := voucher.NewIssuer(voucherStore, proofStore, queue,
		chains.Hub(), cfg.Relayer.OriginTag, issuerOpts...)

	svc := proof.NewService(proofStore, registry, auth, chains.Hub(),
		proof.WithVoucherIssuer(issuer),
		proof.WithKnownChains(chains.Has),
		proof.WithAccessTokens(cfg.Auth.AccessTokens),
		proof.WithTokenValidator(func(ctx context.Context, token string) bool {
			ok, err := tokens.Validate(ctx, token)
			return err == nil && ok
		}),
	)

	relayer := voucher.NewRelayer(voucherStore, proofStore, dedup, queue, queue,
		chains, cfg.Relayer.OriginTag,
		voucher.WithRelayerWorkers(cfg.Relayer.Workers),
		voucher.WithRetryDelay(cfg.Relayer.RetryDelay()),
		voucher.WithRelayerAlerts(alerts),
		voucher.WithHubChain(chains.Hub()),
	)
	sweeper := voucher.NewSweeper(voucherStore, proofStore, dedup,
		voucher.WithSweepTTL(cfg.Relayer.VoucherTTL()),
		voucher.WithSweepInterval(cfg.Relayer.SweepInterval()),
		voucher.WithSweeperAlerts(alerts),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := relayer.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("凭证中继异常退出: %v", err)
		}
	}()
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("凭证清扫器异常退出: %v", err)
		}
	}()

	// 独立的指标端口,不与业务接口共享监听地址。
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithVoucherStore(voucherStore),
		api.WithTokenStore(tokens),
		api.WithAccessTokens(cfg.Auth.AccessTokens),
		api.WithSubmitLimit(cfg.RateLimit.SubmitPerMinute, cfg.RateLimit.SubmitBurst),
		api.WithReadLimit(cfg.RateLimit.ReadPerSecond, cfg.RateLimit.ReadBurst),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newProofStore(cfg *config.Config) (proof.Store, error) {
	switch cfg.Storage.ProofStore.Driver {
	case "", "memory":
		return proof.NewMemoryStore(), nil
	case "mysql":
		return proof.NewMySQLStore(cfg.Storage.ProofStore.DSN)
	default:
		return nil, fmt.Errorf("未知的证明存储驱动: %s", cfg.Storage.ProofStore.Driver)
	}
}

func newVoucherStore(cfg *config.Config) (voucher.Store, error) {
	switch cfg.Storage.VoucherStore.Driver {
	case "", "memory":
		return voucher.NewMemoryStore(), nil
	case "mysql":
		return voucher.NewMySQLStore(cfg.Storage.VoucherStore.DSN)
	default:
		return nil, fmt.Errorf("未知的凭证存储驱动: %s", cfg.Storage.VoucherStore.Driver)
	}
}

func newVoucherQueue(cfg *config.Config) (voucher.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return voucher.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return voucher.NewRedisQueue(voucher.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return voucher.NewRabbitMQQueue(voucher.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func newTokenStore(cfg *config.Config) (api.TokenStore, error) {
	switch cfg.Auth.TokenStore.Driver {
	case "", "memory":
		return api.NewMemoryTokenStore(), nil
	case "redis":
		return api.NewRedisTokenStore(api.RedisTokenStoreConfig{
			Address:  cfg.Auth.TokenStore.Redis.Address,
			Password: cfg.Auth.TokenStore.Redis.Password,
			DB:       cfg.Auth.TokenStore.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的令牌存储驱动: %s", cfg.Auth.TokenStore.Driver)
	}
}

func newDedup(cfg *config.Config) (voucher.Dedup, error) {
	switch cfg.Dedup.Driver {
	case "", "memory":
		return voucher.NewMemoryDedup(), nil
	case "redis":
		return voucher.NewRedisDedup(voucher.RedisDedupConfig{
			Address:  cfg.Dedup.Redis.Address,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
			ClaimTTL: cfg.Dedup.ClaimTTL(),
		})
	default:
		return nil, fmt.Errorf("未知的去重索引驱动: %s", cfg.Dedup.Driver)
	}
}
