package voucher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenProof-Chain/internal/errors"
)

// Dedup 是凭证履约的去重索引。Claim 是原子的检查并占位：
// 第一个调用者获得履约权，其余调用者拿到 false。失败的履约通过
// Release 归还占位，让下一次重试可以重新领取。
type Dedup interface {
	Claim(ctx context.Context, voucherID string) (bool, error)
	Release(ctx context.Context, voucherID string) error
	Close() error
}

// MemoryDedup 以进程内 map 实现去重索引，主要用于测试与单机部署。
type MemoryDedup struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

// NewMemoryDedup 创建 MemoryDedup。
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{claims: make(map[string]struct{})}
}

// Claim 实现 Dedup 接口。
func (d *MemoryDedup) Claim(_ context.Context, voucherID string) (bool, error) {
	if voucherID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.claims[voucherID]; taken {
		return false, nil
	}
	d.claims[voucherID] = struct{}{}
	return true, nil
}

// Release 归还占位。
func (d *MemoryDedup) Release(_ context.Context, voucherID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, voucherID)
	return nil
}

// Close 对内存实现无需操作。
func (d *MemoryDedup) Close() error {
	return nil
}

// RedisDedupConfig 描述 Redis 去重索引的连接参数。
type RedisDedupConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	ClaimTTL  time.Duration
}

// RedisDedup 使用 Redis SETNX 实现跨进程的去重索引。占位带 TTL，
// 进程崩溃持有的占位会在 TTL 后自动失效，由清扫器接管对应凭证。
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedup 创建 Redis 去重索引。
func NewRedisDedup(cfg RedisDedupConfig) (*RedisDedup, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "openproof:voucher:claim:"
	}
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisDedup{client: client, prefix: prefix, ttl: ttl}, nil
}

// Claim 实现 Dedup 接口。
func (d *RedisDedup) Claim(ctx context.Context, voucherID string) (bool, error) {
	if voucherID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	ok, err := d.client.SetNX(ctx, d.prefix+voucherID, time.Now().UnixMilli(), d.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 占位失败")
	}
	return ok, nil
}

// Release 归还占位。
func (d *RedisDedup) Release(ctx context.Context, voucherID string) error {
	if err := d.client.Del(ctx, d.prefix+voucherID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 释放占位失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (d *RedisDedup) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

var (
	_ Dedup = (*MemoryDedup)(nil)
	_ Dedup = (*RedisDedup)(nil)
)
