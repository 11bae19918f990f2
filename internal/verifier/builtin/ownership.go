package builtin

import (
	"context"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenProof-Chain/internal/verifier"
)

// OwnershipVerifier 是纯计算型验证器：对提交内容计算 keccak256 摘要，
// 并在声明了 owner 时要求其与签名钱包一致。不访问链上状态。
type OwnershipVerifier struct{}

// NewOwnershipVerifier 构造内容归属验证器。
func NewOwnershipVerifier() *OwnershipVerifier { return &OwnershipVerifier{} }

func (v *OwnershipVerifier) ID() string { return "ownership-basic" }

func (v *OwnershipVerifier) Describe() verifier.Info {
	return verifier.Info{
		ID:          "ownership-basic",
		Name:        "内容归属验证",
		Description: "对提交内容计算确定性摘要并核对归属钱包",
		Inputs:      []string{"content", "owner"},
	}
}

func (v *OwnershipVerifier) Verify(ctx context.Context, input verifier.Input) (verifier.Result, error) {
	content, ok := stringField(input.Data, "content")
	if !ok {
		return verifier.Result{Verified: false, Data: map[string]any{
			"reason": "缺少 content 字段",
		}}, nil
	}
	digest := crypto.Keccak256([]byte(content))
	out := map[string]any{
		"contentHash": "0x" + hex.EncodeToString(digest),
		"owner":       input.Wallet,
	}
	if owner, ok := stringField(input.Data, "owner"); ok && !sameAddress(owner, input.Wallet) {
		out["reason"] = "声明的 owner 与签名钱包不一致"
		return verifier.Result{Verified: false, Data: out}, nil
	}
	return verifier.Result{Verified: true, Data: out}, nil
}

var _ verifier.Verifier = (*OwnershipVerifier)(nil)
