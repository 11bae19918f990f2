package voucher

import (
	stdErrors "errors"

	xerrors "OpenProof-Chain/internal/errors"
)

// State 表示凭证在中继生命周期中的状态。
type State string

const (
	// StatePending 凭证已签发，等待在目标链上锚定。
	StatePending State = "pending"
	// StateFulfilled 凭证已在目标链上成功锚定。
	StateFulfilled State = "fulfilled"
	// StateAbandoned 凭证被放弃：重试耗尽、永久错误或超时清扫。
	StateAbandoned State = "abandoned"
)

// IsValidState 检查给定的凭证状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StatePending, StateFulfilled, StateAbandoned:
		return true
	default:
		return false
	}
}

// Voucher 是为单条目标链、单个验证器签发的跨链传播凭证。
// ID 由签发参数确定性推导，同一毫秒内的并发签发依靠序号区分。
type Voucher struct {
	ID          string `json:"id"`
	QHash       string `json:"qHash"`
	Wallet      string `json:"wallet"`
	VerifierID  string `json:"verifierId"`
	ChainID     string `json:"chainId"`
	OriginTag   string `json:"originTag"`
	State       State  `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	LastError   string `json:"lastError,omitempty"`
	// OriginTxHash 是凭证在枢纽链上的记账交易；中继器提交前据此确认源链终局性。
	OriginTxHash string `json:"originTxHash,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	BlockNumber  uint64 `json:"blockNumber,omitempty"`
	IssuedAtMs   int64  `json:"issuedAtMs"`
	Seq          uint64 `json:"seq"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	FulfilledAt  int64  `json:"fulfilledAt,omitempty"`
}

// Settled 报告凭证是否已到达终态。
func (v *Voucher) Settled() bool {
	return v.State == StateFulfilled || v.State == StateAbandoned
}

var (
	// ErrVoucherNotFound 表示指定的凭证不存在。
	ErrVoucherNotFound = xerrors.New(CodeVoucherNotFound, "voucher not found")
	// ErrVoucherConflict 表示凭证在当前状态下无法进行所请求的操作。
	ErrVoucherConflict = xerrors.New(CodeVoucherConflict, "voucher conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrVoucherSettled 表示凭证已到达终态。
	ErrVoucherSettled = xerrors.New(CodeVoucherSettled, "voucher already settled", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeVoucherNotFound xerrors.Code = "VOUCHER_NOT_FOUND"
	CodeVoucherConflict xerrors.Code = "VOUCHER_CONFLICT"
	CodeVoucherSettled  xerrors.Code = "VOUCHER_SETTLED"
	CodeRelayTransient  xerrors.Code = "VOUCHER_RELAY_TRANSIENT"
	CodeRelayPermanent  xerrors.Code = "VOUCHER_RELAY_REJECTED"
	CodeRelayExhausted  xerrors.Code = "VOUCHER_RELAY_EXHAUSTED"
	CodeVoucherPublish  xerrors.Code = "VOUCHER_PUBLISH_FAILED"
	CodeVoucherExpired  xerrors.Code = "VOUCHER_EXPIRED"
	CodeVoucherIssuance xerrors.Code = "VOUCHER_ISSUANCE_FAILED"
)

func init() {
	xerrors.Register(CodeVoucherNotFound, xerrors.Attributes{
		Message:   "voucher not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVoucherConflict, xerrors.Attributes{
		Message:   "voucher conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVoucherSettled, xerrors.Attributes{
		Message:   "voucher already settled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRelayTransient, xerrors.Attributes{
		Message:   "voucher relay failed, will retry",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRelayPermanent, xerrors.Attributes{
		Message:   "voucher relay rejected",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRelayExhausted, xerrors.Attributes{
		Message:   "voucher relay retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVoucherPublish, xerrors.Attributes{
		Message:   "failed to publish voucher event",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeVoucherExpired, xerrors.Attributes{
		Message:   "voucher expired before fulfillment",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVoucherIssuance, xerrors.Attributes{
		Message:   "voucher issuance failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsVoucherError 判断错误是否为统一凭证错误。
func IsVoucherError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrVoucherNotFound) {
		return target == CodeVoucherNotFound
	}
	if stdErrors.Is(err, ErrVoucherConflict) {
		return target == CodeVoucherConflict
	}
	if stdErrors.Is(err, ErrVoucherSettled) {
		return target == CodeVoucherSettled
	}
	return false
}
