package verifier

import (
	"context"

	xerrors "OpenProof-Chain/internal/errors"
)

// Input 是分发给单个验证器的输入切片。多验证器请求下 Data 已按验证器 ID
// 完成命名空间拆分，验证器之间不共享可变状态。
type Input struct {
	Wallet  string
	ChainID string
	Data    map[string]any
}

// ZKInfo 是验证器可选携带的零知识状态标签，编排器原样透传。
type ZKInfo struct {
	Status string `json:"status"`
	Scheme string `json:"scheme,omitempty"`
}

// Result 是验证器的一次判定结果。
type Result struct {
	Verified bool           `json:"verified"`
	Data     map[string]any `json:"data,omitempty"`
	ZK       *ZKInfo        `json:"zkInfo,omitempty"`
}

// Info 描述一个验证器，用于发现接口。
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Inputs      []string `json:"inputs,omitempty"`
}

// Verifier 是可插拔校验能力的统一契约。实现必须无副作用：
// 相同输入在相同链状态下得到相同结果。
type Verifier interface {
	ID() string
	Describe() Info
	Verify(ctx context.Context, input Input) (Result, error)
}

// 验证阶段的统一错误码。
const (
	CodeVerifierNotFound  xerrors.Code = "VERIFIER_NOT_FOUND"
	CodeVerifierExecution xerrors.Code = "VERIFIER_EXECUTION_ERROR"
)

var (
	// ErrVerifierNotFound 表示请求了未注册的验证器 ID。
	ErrVerifierNotFound = xerrors.New(CodeVerifierNotFound, "verifier not found")
)

func init() {
	xerrors.Register(CodeVerifierNotFound, xerrors.Attributes{
		Message:   "verifier not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerifierExecution, xerrors.Attributes{
		Message:   "verifier execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
