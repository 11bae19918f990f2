package builtin

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/web3"
)

const testWallet = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

type fakeReader struct {
	// 按调用顺序返回的 eth_call 结果
	returns [][]byte
	calls   int
}

func (f *fakeReader) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}
func (f *fakeReader) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeReader) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	if f.calls >= len(f.returns) {
		return make([]byte, 32), nil
	}
	out := f.returns[f.calls]
	f.calls++
	return out, nil
}
func (f *fakeReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}

type fakeReaders struct {
	reader web3.Reader
}

func (f *fakeReaders) Hub() string { return "ethereum" }
func (f *fakeReaders) Reader(chainID string) (web3.Reader, error) {
	return f.reader, nil
}

func uint256Word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func TestOwnershipVerifierDigestAndOwner(t *testing.T) {
	v := NewOwnershipVerifier()
	res, err := v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data:   map[string]any{"content": "hello world", "owner": testWallet},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatalf("期望验证通过, got %+v", res)
	}
	hash, _ := res.Data["contentHash"].(string)
	if len(hash) != 66 || hash[:2] != "0x" {
		t.Fatalf("contentHash 形状不正确: %q", hash)
	}

	res, err = v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data:   map[string]any{"content": "hello world", "owner": "0x0000000000000000000000000000000000000001"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified {
		t.Fatal("owner 不一致时应当验证失败")
	}
}

func TestOwnershipVerifierMissingContent(t *testing.T) {
	v := NewOwnershipVerifier()
	res, err := v.Verify(context.Background(), verifier.Input{Wallet: testWallet, Data: map[string]any{}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified {
		t.Fatal("缺少 content 时应当验证失败")
	}
}

func TestNFTOwnershipByTokenID(t *testing.T) {
	owner := common.HexToAddress(testWallet)
	reader := &fakeReader{returns: [][]byte{addressWord(owner)}}
	v := NewNFTOwnershipVerifier(&fakeReaders{reader: reader})

	res, err := v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data: map[string]any{
			"contract": "0x1111111111111111111111111111111111111111",
			"tokenId":  json.Number("42"),
		},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatalf("ownerOf 匹配时应当验证通过: %+v", res)
	}
	if res.Data["tokenId"] != "42" {
		t.Fatalf("期望回显 tokenId, got %v", res.Data["tokenId"])
	}
}

func TestNFTOwnershipByBalance(t *testing.T) {
	reader := &fakeReader{returns: [][]byte{uint256Word(big.NewInt(0))}}
	v := NewNFTOwnershipVerifier(&fakeReaders{reader: reader})

	res, err := v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data:   map[string]any{"contract": "0x1111111111111111111111111111111111111111"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified {
		t.Fatal("余额为零时应当验证失败")
	}
}

func TestTokenBalanceThreshold(t *testing.T) {
	reader := &fakeReader{returns: [][]byte{uint256Word(big.NewInt(1500))}}
	v := NewTokenBalanceVerifier(&fakeReaders{reader: reader})

	res, err := v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data: map[string]any{
			"contract":   "0x2222222222222222222222222222222222222222",
			"minBalance": json.Number("1000"),
		},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatalf("余额高于门槛时应当验证通过: %+v", res)
	}
	if res.Data["balance"] != "1500" {
		t.Fatalf("期望回显余额, got %v", res.Data["balance"])
	}
}

func TestTokenBalanceRejectsBadContract(t *testing.T) {
	v := NewTokenBalanceVerifier(&fakeReaders{reader: &fakeReader{}})
	res, err := v.Verify(context.Background(), verifier.Input{
		Wallet: testWallet,
		Data:   map[string]any{"contract": "not-an-address"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified {
		t.Fatal("非法合约地址应当验证失败")
	}
}
