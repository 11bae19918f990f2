package proof

import (
	stdErrors "errors"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/verifier"
)

// Status 表示证明在生命周期中的状态。
type Status string

const (
	StatusPendingAuthentication Status = "pending_authentication"
	StatusProcessingVerifiers   Status = "processing_verifiers"
	StatusVerified              Status = "verified"
	StatusPartiallyVerified     Status = "partially_verified"
	StatusVerificationFailed    Status = "verification_failed"
	StatusCrosschainPropagated  Status = "verified_crosschain_propagated"
	StatusPropagationFailed     Status = "verified_propagation_failed"
	StatusRevoked               Status = "revoked"
)

// statusRank 给每个状态一个单调递增的序号，状态机只允许向更高序号推进。
var statusRank = map[Status]int{
	StatusPendingAuthentication: 0,
	StatusProcessingVerifiers:   1,
	StatusVerified:              2,
	StatusPartiallyVerified:     2,
	StatusVerificationFailed:    2,
	StatusCrosschainPropagated:  3,
	StatusPropagationFailed:     3,
	StatusRevoked:               4,
}

// allowedTransitions 枚举合法的状态迁移。verification_failed 只能走向撤销。
var allowedTransitions = map[Status][]Status{
	StatusPendingAuthentication: {StatusProcessingVerifiers, StatusRevoked},
	StatusProcessingVerifiers:   {StatusVerified, StatusPartiallyVerified, StatusVerificationFailed, StatusRevoked},
	StatusVerified:              {StatusCrosschainPropagated, StatusPropagationFailed, StatusRevoked},
	StatusPartiallyVerified:     {StatusCrosschainPropagated, StatusPropagationFailed, StatusRevoked},
	StatusVerificationFailed:    {StatusRevoked},
	StatusCrosschainPropagated:  {StatusRevoked},
	StatusPropagationFailed:     {StatusRevoked},
	StatusRevoked:               nil,
}

// CanTransition 检查从 from 到 to 的迁移是否被状态机允许。
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus 检查给定的证明状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	_, ok := statusRank[status]
	return ok
}

// IsTerminal 报告该状态是否不再接受验证语义上的推进（撤销除外）。
func IsTerminal(status Status) bool {
	switch status {
	case StatusVerificationFailed, StatusCrosschainPropagated, StatusPropagationFailed, StatusRevoked:
		return true
	default:
		return false
	}
}

// Options 是提交证明时由钱包声明的可见性与传播选项。
type Options struct {
	Private      bool     `json:"private"`
	Discoverable bool     `json:"discoverable"`
	TargetChains []string `json:"targetChains,omitempty"`
}

// VerifierResult 保存单个验证器的判定结果。写入后不可覆盖。
type VerifierResult struct {
	Verified    bool             `json:"verified"`
	Data        map[string]any   `json:"data,omitempty"`
	ZK          *verifier.ZKInfo `json:"zkInfo,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"errorCode,omitempty"`
	CompletedAt int64            `json:"completedAt"`
}

// 跨链传播汇总状态。
const (
	CrossChainPending   = "pending"
	CrossChainPartial   = "partial"
	CrossChainCompleted = "completed_all_successful"
	CrossChainFailed    = "failed"
)

// ChainRelayState 记录单条目标链上凭证的锚定进度。
type ChainRelayState struct {
	ChainID     string `json:"chainId"`
	VoucherID   string `json:"voucherId"`
	State       string `json:"state"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// CrossChainSummary 汇总一份证明在所有目标链上的传播结果。
type CrossChainSummary struct {
	Status string            `json:"status"`
	Chains []ChainRelayState `json:"chains"`
}

// Proof 是一次钱包签名验证请求的完整记录，以 qHash 为自然主键。
type Proof struct {
	QHash      string                    `json:"qHash"`
	Wallet     string                    `json:"wallet"`
	ChainID    string                    `json:"chainId"`
	Verifiers  []string                  `json:"verifiers"`
	Data       map[string]any            `json:"data,omitempty"`
	Options    Options                   `json:"options"`
	Status     Status                    `json:"status"`
	Results    map[string]VerifierResult `json:"results,omitempty"`
	CrossChain *CrossChainSummary        `json:"crossChain,omitempty"`
	CreatedAt  int64                     `json:"createdAt"`
	UpdatedAt  int64                     `json:"updatedAt"`
	RevokedAt  int64                     `json:"revokedAt,omitempty"`
}

// AllVerified 报告是否所有请求的验证器都已通过。
func (p *Proof) AllVerified() bool {
	if len(p.Verifiers) == 0 {
		return false
	}
	for _, id := range p.Verifiers {
		res, ok := p.Results[id]
		if !ok || !res.Verified {
			return false
		}
	}
	return true
}

// VerifiedIDs 返回已通过的验证器 ID，保持请求内的顺序。
func (p *Proof) VerifiedIDs() []string {
	ids := make([]string, 0, len(p.Verifiers))
	for _, id := range p.Verifiers {
		if res, ok := p.Results[id]; ok && res.Verified {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone 深拷贝一份证明记录，供内存存储对外隔离内部状态。
func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.Verifiers = append([]string(nil), p.Verifiers...)
	cloned.Data = cloneData(p.Data)
	cloned.Options.TargetChains = append([]string(nil), p.Options.TargetChains...)
	if p.Results != nil {
		cloned.Results = make(map[string]VerifierResult, len(p.Results))
		for id, res := range p.Results {
			copied := res
			copied.Data = cloneData(res.Data)
			if res.ZK != nil {
				zk := *res.ZK
				copied.ZK = &zk
			}
			cloned.Results[id] = copied
		}
	}
	if p.CrossChain != nil {
		summary := CrossChainSummary{
			Status: p.CrossChain.Status,
			Chains: append([]ChainRelayState(nil), p.CrossChain.Chains...),
		}
		cloned.CrossChain = &summary
	}
	return &cloned
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}

var (
	// ErrProofNotFound 表示指定的证明不存在。
	ErrProofNotFound = xerrors.New(CodeProofNotFound, "proof not found")
	// ErrProofConflict 表示证明在当前状态下无法进行所请求的迁移。
	ErrProofConflict = xerrors.New(CodeProofConflict, "proof state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrResultExists 表示该验证器的结果已写入，不允许覆盖。
	ErrResultExists = xerrors.New(CodeResultExists, "verifier result already recorded", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeProofNotFound   xerrors.Code = "PROOF_NOT_FOUND"
	CodeProofConflict   xerrors.Code = "PROOF_STATE_CONFLICT"
	CodeResultExists    xerrors.Code = "VERIFIER_RESULT_EXISTS"
	CodeProofValidation xerrors.Code = "VALIDATION_ERROR"
	CodeAccessDenied    xerrors.Code = "ACCESS_DENIED"
)

func init() {
	xerrors.Register(CodeProofNotFound, xerrors.Attributes{
		Message:   "proof not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofConflict, xerrors.Attributes{
		Message:   "proof state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeResultExists, xerrors.Attributes{
		Message:   "verifier result already recorded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofValidation, xerrors.Attributes{
		Message:   "verification request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccessDenied, xerrors.Attributes{
		Message:   "access to proof denied",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsProofError 判断错误是否为统一证明错误。
func IsProofError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrProofNotFound) {
		return target == CodeProofNotFound
	}
	if stdErrors.Is(err, ErrProofConflict) {
		return target == CodeProofConflict
	}
	if stdErrors.Is(err, ErrResultExists) {
		return target == CodeResultExists
	}
	return false
}
