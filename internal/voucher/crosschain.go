package voucher

import (
	"context"
	"log/slog"
	"time"

	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/pkg/logger"
)

// summarize 从凭证集合推导跨链传播汇总。
//   - 所有凭证锚定成功: completed_all_successful
//   - 所有凭证被放弃:   failed
//   - 已有终态但结果混杂或仍有在途: partial
//   - 尚无任何终态:     pending
func summarize(vouchers []*Voucher) proof.CrossChainSummary {
	chains := make([]proof.ChainRelayState, 0, len(vouchers))
	fulfilled, abandoned := 0, 0
	for _, voucher := range vouchers {
		entry := proof.ChainRelayState{
			ChainID:     voucher.ChainID,
			VoucherID:   voucher.ID,
			State:       string(voucher.State),
			TxHash:      voucher.TxHash,
			BlockNumber: voucher.BlockNumber,
			Error:       voucher.LastError,
			UpdatedAt:   voucher.UpdatedAt,
		}
		chains = append(chains, entry)
		switch voucher.State {
		case StateFulfilled:
			fulfilled++
		case StateAbandoned:
			abandoned++
		}
	}

	status := proof.CrossChainPending
	settled := fulfilled + abandoned
	switch {
	case len(vouchers) == 0:
		status = proof.CrossChainPending
	case fulfilled == len(vouchers):
		status = proof.CrossChainCompleted
	case abandoned == len(vouchers):
		status = proof.CrossChainFailed
	case settled > 0:
		status = proof.CrossChainPartial
	}
	return proof.CrossChainSummary{Status: status, Chains: chains}
}

// syncCrossChain 重算证明的跨链汇总并写回。所有凭证到达终态后
// 把证明推进到对应的传播终态。
func syncCrossChain(ctx context.Context, vouchers Store, proofs proof.Store, qHash string) {
	if proofs == nil {
		return
	}
	all, err := vouchers.ListByProof(ctx, qHash)
	if err != nil {
		logger.L().Error("读取证明凭证失败", slog.Any("error", err), slog.String("q_hash", qHash))
		return
	}
	summary := summarize(all)
	if err := proofs.SetCrossChain(ctx, qHash, summary); err != nil {
		logger.L().Error("写入跨链汇总失败", slog.Any("error", err), slog.String("q_hash", qHash))
		return
	}

	settled := true
	for _, voucher := range all {
		if !voucher.Settled() {
			settled = false
			break
		}
	}
	if !settled || len(all) == 0 {
		return
	}
	next := proof.StatusPropagationFailed
	if summary.Status == proof.CrossChainCompleted {
		next = proof.StatusCrosschainPropagated
	}
	if err := proofs.UpdateStatus(ctx, qHash, next); err != nil {
		// 证明可能已被撤销
		logger.L().Warn("推进证明传播状态被拒绝", slog.Any("error", err), slog.String("q_hash", qHash))
		return
	}
	logger.Audit().Info("跨链传播收敛",
		slog.String("q_hash", qHash),
		slog.String("status", string(next)),
		slog.Time("at", time.Now()),
	)
}
