package proof

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenProof-Chain/internal/errors"
)

// MemoryStore 以内存方式保存证明状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	proofs map[string]*Proof
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]*Proof)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, proof *Proof) error {
	if proof == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proof 不能为空")
	}
	if proof.QHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "qHash 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proofs[strings.ToLower(proof.QHash)]; ok {
		return ErrProofConflict
	}
	now := time.Now().Unix()
	if proof.CreatedAt == 0 {
		proof.CreatedAt = now
	}
	proof.UpdatedAt = now
	if proof.Status == "" {
		proof.Status = StatusPendingAuthentication
	}
	m.proofs[strings.ToLower(proof.QHash)] = proof.Clone()
	return nil
}

// Get 返回证明记录。
func (m *MemoryStore) Get(_ context.Context, qHash string) (*Proof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// qHash 统一存小写，调用方可能传入任意大小写
	proof, ok := m.proofs[strings.ToLower(qHash)]
	if !ok {
		return nil, ErrProofNotFound
	}
	return proof.Clone(), nil
}

// UpdateStatus 按状态机推进证明状态，非法迁移返回冲突。
func (m *MemoryStore) UpdateStatus(_ context.Context, qHash string, next Status) error {
	if !IsValidStatus(next) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的证明状态: "+string(next))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[strings.ToLower(qHash)]
	if !ok {
		return ErrProofNotFound
	}
	if !CanTransition(proof.Status, next) {
		return xerrors.Wrap(CodeProofConflict, ErrProofConflict,
			"状态迁移被拒绝: "+string(proof.Status)+" -> "+string(next))
	}
	proof.Status = next
	proof.UpdatedAt = time.Now().Unix()
	return nil
}

// SetVerifierResult 写入单个验证器的结果，重复写入返回冲突。
func (m *MemoryStore) SetVerifierResult(_ context.Context, qHash, verifierID string, result VerifierResult) error {
	if verifierID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证器 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[strings.ToLower(qHash)]
	if !ok {
		return ErrProofNotFound
	}
	if proof.Results == nil {
		proof.Results = make(map[string]VerifierResult)
	}
	if _, exists := proof.Results[verifierID]; exists {
		return ErrResultExists
	}
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().UnixMilli()
	}
	proof.Results[verifierID] = result
	proof.UpdatedAt = time.Now().Unix()
	return nil
}

// SetCrossChain 覆盖写入跨链传播汇总。
func (m *MemoryStore) SetCrossChain(_ context.Context, qHash string, summary CrossChainSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[strings.ToLower(qHash)]
	if !ok {
		return ErrProofNotFound
	}
	copied := CrossChainSummary{
		Status: summary.Status,
		Chains: append([]ChainRelayState(nil), summary.Chains...),
	}
	proof.CrossChain = &copied
	proof.UpdatedAt = time.Now().Unix()
	return nil
}

// Revoke 将证明置为撤销状态。重复撤销为幂等 no-op。
func (m *MemoryStore) Revoke(_ context.Context, qHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[strings.ToLower(qHash)]
	if !ok {
		return ErrProofNotFound
	}
	if proof.Status == StatusRevoked {
		return nil
	}
	now := time.Now().Unix()
	proof.Status = StatusRevoked
	proof.RevokedAt = now
	proof.UpdatedAt = now
	return nil
}

// List 返回符合过滤条件的证明记录。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Proof, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Proof, 0, len(m.proofs))
	for _, proof := range m.proofs {
		if !options.matches(proof) {
			continue
		}
		results = append(results, proof.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].QHash < results[j].QHash
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].QHash < results[j].QHash
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if options.Offset > 0 {
		if options.Offset >= len(results) {
			return []*Proof{}, nil
		}
		results = results[options.Offset:]
	}
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Stats 统计证明数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, proof := range m.proofs {
		stats.Total++
		switch proof.Status {
		case StatusPendingAuthentication, StatusProcessingVerifiers:
			stats.Processing++
		case StatusVerified:
			stats.Verified++
		case StatusPartiallyVerified:
			stats.PartiallyVerified++
		case StatusVerificationFailed:
			stats.Failed++
		case StatusCrosschainPropagated:
			stats.Propagated++
		case StatusPropagationFailed:
			stats.PropagationFailed++
		case StatusRevoked:
			stats.Revoked++
		}
		if proof.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = proof.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (proof.UpdatedAt != 0 && proof.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = proof.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
