package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI fragments for the read paths the daemon needs. Kept inline so
// the module ships without generated bindings.
const (
	erc1271ABIJSON = `[{"name":"isValidSignature","type":"function","stateMutability":"view","inputs":[{"name":"_hash","type":"bytes32"},{"name":"_signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}]`
	erc6492ABIJSON = `[{"name":"isValidSig","type":"function","stateMutability":"nonpayable","inputs":[{"name":"_signer","type":"address"},{"name":"_hash","type":"bytes32"},{"name":"_signature","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]}]`
	erc721ABIJSON  = `[{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`
	erc20ABIJSON   = `[{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`
)

var (
	erc1271ABI = mustABI(erc1271ABIJSON)
	erc6492ABI = mustABI(erc6492ABIJSON)
	erc721ABI  = mustABI(erc721ABIJSON)
	erc20ABI   = mustABI(erc20ABIJSON)

	// ERC1271Magic is the selector a contract wallet returns for a valid signature.
	ERC1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func call(ctx context.Context, reader Reader, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	output, err := reader.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: input})
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// IsValidContractSignature runs the ERC-1271 check against a deployed wallet.
func IsValidContractSignature(ctx context.Context, reader Reader, wallet common.Address, digest [32]byte, signature []byte) (bool, error) {
	values, err := call(ctx, reader, wallet, erc1271ABI, "isValidSignature", digest, signature)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("isValidSignature 返回值数量异常: %d", len(values))
	}
	magic, ok := values[0].([4]byte)
	if !ok {
		return false, fmt.Errorf("isValidSignature 返回类型异常: %T", values[0])
	}
	return magic == ERC1271Magic, nil
}

// ValidateWrappedSignature runs an ERC-6492 wrapped signature through the
// universal validator contract. The validator replays the factory deployment
// inside its own call frame before invoking ERC-1271, so counterfactual
// wallets validate without ever touching chain state.
func ValidateWrappedSignature(ctx context.Context, reader Reader, validator, signer common.Address, digest [32]byte, signature []byte) (bool, error) {
	values, err := call(ctx, reader, validator, erc6492ABI, "isValidSig", signer, digest, signature)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("isValidSig 返回值数量异常: %d", len(values))
	}
	valid, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isValidSig 返回类型异常: %T", values[0])
	}
	return valid, nil
}

// ERC721OwnerOf resolves the current owner of a token.
func ERC721OwnerOf(ctx context.Context, reader Reader, contract common.Address, tokenID *big.Int) (common.Address, error) {
	values, err := call(ctx, reader, contract, erc721ABI, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf 返回类型异常: %T", values[0])
	}
	return owner, nil
}

// ERC721BalanceOf returns how many tokens of the collection the wallet holds.
func ERC721BalanceOf(ctx context.Context, reader Reader, contract, owner common.Address) (*big.Int, error) {
	values, err := call(ctx, reader, contract, erc721ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回类型异常: %T", values[0])
	}
	return balance, nil
}

// ERC20BalanceOf returns the fungible token balance of the wallet.
func ERC20BalanceOf(ctx context.Context, reader Reader, contract, account common.Address) (*big.Int, error) {
	values, err := call(ctx, reader, contract, erc20ABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回类型异常: %T", values[0])
	}
	return balance, nil
}
