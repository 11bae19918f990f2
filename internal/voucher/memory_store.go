package voucher

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenProof-Chain/internal/errors"
)

// MemoryStore 以内存方式保存凭证状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	vouchers map[string]*Voucher
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vouchers: make(map[string]*Voucher)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, voucher *Voucher) error {
	if voucher == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "voucher 不能为空")
	}
	if voucher.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vouchers[voucher.ID]; ok {
		return ErrVoucherConflict
	}
	now := time.Now().Unix()
	if voucher.CreatedAt == 0 {
		voucher.CreatedAt = now
	}
	voucher.UpdatedAt = now
	if voucher.State == "" {
		voucher.State = StatePending
	}
	clone := *voucher
	m.vouchers[voucher.ID] = &clone
	return nil
}

// Get 返回凭证记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	voucher, ok := m.vouchers[id]
	if !ok {
		return nil, ErrVoucherNotFound
	}
	clone := *voucher
	return &clone, nil
}

// MarkFulfilled 将凭证标记为已锚定。已到终态的凭证拒绝覆盖。
func (m *MemoryStore) MarkFulfilled(_ context.Context, id, txHash string, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	voucher, ok := m.vouchers[id]
	if !ok {
		return ErrVoucherNotFound
	}
	if voucher.Settled() {
		return ErrVoucherSettled
	}
	now := time.Now().Unix()
	voucher.State = StateFulfilled
	voucher.TxHash = txHash
	voucher.BlockNumber = blockNumber
	voucher.LastError = ""
	voucher.FulfilledAt = now
	voucher.UpdatedAt = now
	return nil
}

// MarkFailed 记录一次可重试的失败并递增尝试计数。
func (m *MemoryStore) MarkFailed(_ context.Context, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	voucher, ok := m.vouchers[id]
	if !ok {
		return ErrVoucherNotFound
	}
	if voucher.Settled() {
		return ErrVoucherSettled
	}
	voucher.Attempts++
	voucher.LastError = lastError
	voucher.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkAbandoned 将凭证标记为放弃。
func (m *MemoryStore) MarkAbandoned(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	voucher, ok := m.vouchers[id]
	if !ok {
		return ErrVoucherNotFound
	}
	if voucher.Settled() {
		return ErrVoucherSettled
	}
	voucher.State = StateAbandoned
	voucher.LastError = reason
	voucher.UpdatedAt = time.Now().Unix()
	return nil
}

// ListByProof 返回指定证明签发的全部凭证，按目标链与验证器排序。
func (m *MemoryStore) ListByProof(_ context.Context, qHash string) ([]*Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qHash = strings.ToLower(qHash)
	results := make([]*Voucher, 0, 4)
	for _, voucher := range m.vouchers {
		if strings.ToLower(voucher.QHash) != qHash {
			continue
		}
		clone := *voucher
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].ChainID == results[j].ChainID {
			return results[i].VerifierID < results[j].VerifierID
		}
		return results[i].ChainID < results[j].ChainID
	})
	return results, nil
}

// ListPending 返回签发时间早于给定毫秒时间戳的待处理凭证。
func (m *MemoryStore) ListPending(_ context.Context, issuedBefore int64, limit int) ([]*Voucher, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Voucher, 0, limit)
	for _, voucher := range m.vouchers {
		if voucher.State != StatePending {
			continue
		}
		if issuedBefore > 0 && voucher.IssuedAtMs >= issuedBefore {
			continue
		}
		clone := *voucher
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].IssuedAtMs < results[j].IssuedAtMs
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
