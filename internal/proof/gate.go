package proof

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "OpenProof-Chain/internal/errors"
)

// GateQuery 描述一次准入检查：指定钱包是否持有满足条件的证明。
// 只评估公开且可发现的证明，撤销的证明一律不参与。
type GateQuery struct {
	Wallet   string
	Verifier string
	MaxAge   time.Duration
	Filters  map[string]string
}

// GateDecision 是准入检查的最小化结果，只暴露命中证明的定位信息，
// 不回传完整数据。
type GateDecision struct {
	Eligible   bool   `json:"eligible"`
	QHash      string `json:"qHash,omitempty"`
	Verifier   string `json:"verifier,omitempty"`
	VerifiedAt int64  `json:"verifiedAt,omitempty"`
}

// gateStatuses 是准入检查可接受的证明状态。部分通过的证明也参与，
// 但要求被查询的验证器本身已通过。
var gateStatuses = []Status{
	StatusVerified,
	StatusPartiallyVerified,
	StatusCrosschainPropagated,
	StatusPropagationFailed,
}

// GateCheck 评估指定钱包是否持有满足条件的证明。命中多条时返回
// 验证时间最新的一条。
func (s *Service) GateCheck(ctx context.Context, query GateQuery) (GateDecision, error) {
	if s.store == nil {
		return GateDecision{}, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未初始化")
	}
	if strings.TrimSpace(query.Wallet) == "" {
		return GateDecision{}, xerrors.New(CodeProofValidation, "钱包地址不能为空")
	}
	if strings.TrimSpace(query.Verifier) == "" {
		return GateDecision{}, xerrors.New(CodeProofValidation, "验证器 ID 不能为空")
	}

	candidates, err := s.store.List(ctx,
		WithWallet(query.Wallet),
		WithPublicOnly(),
		WithDiscoverableOnly(),
		WithVerifier(query.Verifier),
		WithStatuses(gateStatuses...),
		WithLimit(100),
	)
	if err != nil {
		return GateDecision{}, err
	}

	cutoff := int64(0)
	if query.MaxAge > 0 {
		cutoff = time.Now().Add(-query.MaxAge).UnixMilli()
	}

	best := GateDecision{}
	for _, candidate := range candidates {
		result, ok := candidate.Results[query.Verifier]
		if !ok || !result.Verified {
			continue
		}
		if cutoff > 0 && result.CompletedAt < cutoff {
			continue
		}
		if !matchesFilters(result.Data, query.Filters) {
			continue
		}
		if !best.Eligible || result.CompletedAt > best.VerifiedAt {
			best = GateDecision{
				Eligible:   true,
				QHash:      candidate.QHash,
				Verifier:   query.Verifier,
				VerifiedAt: result.CompletedAt,
			}
		}
	}
	return best, nil
}

// matchesFilters 将过滤条件与验证结果数据做字符串比较。
func matchesFilters(data map[string]any, filters map[string]string) bool {
	for key, want := range filters {
		value, ok := data[key]
		if !ok {
			return false
		}
		if fmt.Sprint(value) != want {
			return false
		}
	}
	return true
}
