package builtin

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/web3"
)

// TokenBalanceVerifier 通过 ERC-20 合约核验钱包余额是否达到最低门槛。
type TokenBalanceVerifier struct {
	readers ChainReaders
}

// NewTokenBalanceVerifier 构造代币余额验证器。
func NewTokenBalanceVerifier(readers ChainReaders) *TokenBalanceVerifier {
	return &TokenBalanceVerifier{readers: readers}
}

func (v *TokenBalanceVerifier) ID() string { return "token-balance" }

func (v *TokenBalanceVerifier) Describe() verifier.Info {
	return verifier.Info{
		ID:          "token-balance",
		Name:        "代币余额验证",
		Description: "通过 ERC-20 合约核验钱包余额达到最低门槛",
		Inputs:      []string{"contract", "minBalance", "chain"},
	}
}

func (v *TokenBalanceVerifier) Verify(ctx context.Context, input verifier.Input) (verifier.Result, error) {
	contract, ok := stringField(input.Data, "contract")
	if !ok || !common.IsHexAddress(contract) {
		return verifier.Result{Verified: false, Data: map[string]any{
			"reason": "缺少合法的 contract 地址",
		}}, nil
	}
	min, ok := bigField(input.Data, "minBalance")
	if !ok || min.Sign() <= 0 {
		min = big.NewInt(1)
	}
	reader, chain, err := readerFor(v.readers, input.Data)
	if err != nil {
		return verifier.Result{}, err
	}
	balance, err := web3.ERC20BalanceOf(ctx, reader, common.HexToAddress(contract), common.HexToAddress(input.Wallet))
	if err != nil {
		return verifier.Result{}, xerrors.Wrap(verifier.CodeVerifierExecution, err, "balanceOf 调用失败")
	}
	return verifier.Result{Verified: balance.Cmp(min) >= 0, Data: map[string]any{
		"chain":      chain,
		"contract":   common.HexToAddress(contract).Hex(),
		"balance":    balance.String(),
		"minBalance": min.String(),
	}}, nil
}

var _ verifier.Verifier = (*TokenBalanceVerifier)(nil)
