package voucher

import "context"

// Store 抽象了凭证状态的持久化接口。MarkFulfilled 与 MarkAbandoned
// 只接受 pending 状态的凭证，终态之间不允许互相覆盖。
type Store interface {
	Create(ctx context.Context, voucher *Voucher) error
	Get(ctx context.Context, id string) (*Voucher, error)
	MarkFulfilled(ctx context.Context, id, txHash string, blockNumber uint64) error
	MarkFailed(ctx context.Context, id, lastError string) error
	MarkAbandoned(ctx context.Context, id, reason string) error
	ListByProof(ctx context.Context, qHash string) ([]*Voucher, error)
	ListPending(ctx context.Context, issuedBefore int64, limit int) ([]*Voucher, error)
	Close() error
}
