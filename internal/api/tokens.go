package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "OpenProof-Chain/internal/errors"
)

// DefaultTokenTTL 是签发的读取令牌默认有效期。
const DefaultTokenTTL = 15 * time.Minute

// TokenStore 管理短效读取令牌。令牌由运营侧签发,用于授权第三方
// 临时读取私有证明的状态。
type TokenStore interface {
	Issue(ctx context.Context, ttl time.Duration) (string, error)
	Validate(ctx context.Context, token string) (bool, error)
	Close() error
}

// MemoryTokenStore 将令牌保存在进程内,适用于单实例部署与测试。
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewMemoryTokenStore 构造内存令牌存储。
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]time.Time)}
}

var _ TokenStore = (*MemoryTokenStore)(nil)

func (m *MemoryTokenStore) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[token] = time.Now().Add(ttl)
	m.mu.Unlock()
	return token, nil
}

func (m *MemoryTokenStore) Validate(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.tokens[token]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(m.tokens, token)
		return false, nil
	}
	return true, nil
}

func (m *MemoryTokenStore) Close() error { return nil }

// RedisTokenStoreConfig 是 Redis 令牌存储的连接参数。
type RedisTokenStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisTokenStore 借助 Redis 过期键管理令牌,多实例部署共享。
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTokenStore 构造 Redis 令牌存储并探测连通性。
func NewRedisTokenStore(cfg RedisTokenStoreConfig) (*RedisTokenStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接令牌存储失败")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "openproof:access-token:"
	}
	return &RedisTokenStore{client: client, prefix: prefix}, nil
}

var _ TokenStore = (*RedisTokenStore)(nil)

func (r *RedisTokenStore) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token := uuid.NewString()
	if err := r.client.Set(ctx, r.prefix+token, "1", ttl).Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入令牌失败")
	}
	return token, nil
}

func (r *RedisTokenStore) Validate(ctx context.Context, token string) (bool, error) {
	count, err := r.client.Exists(ctx, r.prefix+token).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询令牌失败")
	}
	return count > 0, nil
}

func (r *RedisTokenStore) Close() error {
	return r.client.Close()
}

type issueTokenRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

// handleIssueToken 由运营侧签发短效读取令牌。
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if err := s.requireToken(r); err != nil {
		writeError(w, err)
		return
	}
	if s.tokens == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "令牌存储未配置"))
		return
	}

	var req issueTokenRequest
	if r.Body != nil {
		// 空请求体使用默认有效期
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second

	token, err := s.tokens.Issue(r.Context(), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	expiresAt := time.Now().Add(ttl)
	if ttl <= 0 {
		expiresAt = time.Now().Add(DefaultTokenTTL)
	}
	writeSuccess(w, http.StatusCreated, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UnixMilli(),
	})
}
