package builtin

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/web3"
)

// NFTOwnershipVerifier 通过 ERC-721 合约核验钱包对 NFT 的持有情况。
// 指定 tokenId 时走 ownerOf 精确匹配，否则按 balanceOf 核对最低持有量。
type NFTOwnershipVerifier struct {
	readers ChainReaders
}

// NewNFTOwnershipVerifier 构造 NFT 持有验证器。
func NewNFTOwnershipVerifier(readers ChainReaders) *NFTOwnershipVerifier {
	return &NFTOwnershipVerifier{readers: readers}
}

func (v *NFTOwnershipVerifier) ID() string { return "nft-ownership" }

func (v *NFTOwnershipVerifier) Describe() verifier.Info {
	return verifier.Info{
		ID:          "nft-ownership",
		Name:        "NFT 持有验证",
		Description: "通过 ERC-721 合约核验钱包持有指定 NFT",
		Inputs:      []string{"contract", "tokenId", "minBalance", "chain"},
	}
}

func (v *NFTOwnershipVerifier) Verify(ctx context.Context, input verifier.Input) (verifier.Result, error) {
	contract, ok := stringField(input.Data, "contract")
	if !ok || !common.IsHexAddress(contract) {
		return verifier.Result{Verified: false, Data: map[string]any{
			"reason": "缺少合法的 contract 地址",
		}}, nil
	}
	reader, chain, err := readerFor(v.readers, input.Data)
	if err != nil {
		return verifier.Result{}, err
	}
	wallet := common.HexToAddress(input.Wallet)
	contractAddr := common.HexToAddress(contract)

	if tokenID, ok := bigField(input.Data, "tokenId"); ok {
		owner, err := web3.ERC721OwnerOf(ctx, reader, contractAddr, tokenID)
		if err != nil {
			return verifier.Result{}, xerrors.Wrap(verifier.CodeVerifierExecution, err, "ownerOf 调用失败")
		}
		verified := owner == wallet
		return verifier.Result{Verified: verified, Data: map[string]any{
			"chain":    chain,
			"contract": contractAddr.Hex(),
			"tokenId":  tokenID.String(),
			"owner":    owner.Hex(),
		}}, nil
	}

	min := big.NewInt(1)
	if m, ok := bigField(input.Data, "minBalance"); ok && m.Sign() > 0 {
		min = m
	}
	balance, err := web3.ERC721BalanceOf(ctx, reader, contractAddr, wallet)
	if err != nil {
		return verifier.Result{}, xerrors.Wrap(verifier.CodeVerifierExecution, err, "balanceOf 调用失败")
	}
	return verifier.Result{Verified: balance.Cmp(min) >= 0, Data: map[string]any{
		"chain":      chain,
		"contract":   contractAddr.Hex(),
		"balance":    balance.String(),
		"minBalance": min.String(),
	}}, nil
}

var _ verifier.Verifier = (*NFTOwnershipVerifier)(nil)
