package proof

import "context"

// Store 抽象了证明记录的持久化接口。状态推进与结果写入都必须在存储层
// 原子完成：UpdateStatus 只接受状态机允许的迁移，SetVerifierResult 对同一
// 验证器只接受一次写入，Revoke 幂等。
type Store interface {
	Create(ctx context.Context, proof *Proof) error
	Get(ctx context.Context, qHash string) (*Proof, error)
	UpdateStatus(ctx context.Context, qHash string, next Status) error
	SetVerifierResult(ctx context.Context, qHash, verifierID string, result VerifierResult) error
	SetCrossChain(ctx context.Context, qHash string, summary CrossChainSummary) error
	Revoke(ctx context.Context, qHash string) error
	List(ctx context.Context, opts ...ListOption) ([]*Proof, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
