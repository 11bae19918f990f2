package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/web3"
)

func signPersonal(t *testing.T, keyHex, message string) (wallet string, signature string) {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// 模拟钱包侧 personal_sign 输出（V=27/28）。
	sig[64] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestVerifyAcceptsValidSignature(t *testing.T) {
	message := "OpenProof Verification Request\nWallet: 0xaa\nChain: 1\nVerifiers: ownership-basic\nData: {}\nTimestamp: 1700000000000"
	wallet, sig := signPersonal(t, testKeyHex, message)

	now := time.Now()
	auth := NewAuthenticator(nil, WithClock(func() time.Time { return now }))
	if err := auth.Verify(context.Background(), wallet, message, sig, now.UnixMilli()); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	message := "OpenProof Verification Request\nWallet: 0xaa\nChain: 1\nVerifiers: ownership-basic\nData: {\"k\":1}\nTimestamp: 1700000000000"
	wallet, sig := signPersonal(t, testKeyHex, message)

	now := time.Now()
	auth := NewAuthenticator(nil, WithClock(func() time.Time { return now }))

	// 签名后改动任意一个字节都必须导致认证失败。
	tampered := message[:len(message)-1] + "1"
	err := auth.Verify(context.Background(), wallet, tampered, sig, now.UnixMilli())
	if err == nil {
		t.Fatalf("tampered payload must not authenticate")
	}
	if !stdErrors.Is(err, ErrWalletMismatch) && !stdErrors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("unexpected error class: %v", err)
	}
}

func TestVerifyRejectsWalletMismatch(t *testing.T) {
	message := "OpenProof login challenge"
	_, sig := signPersonal(t, testKeyHex, message)

	now := time.Now()
	auth := NewAuthenticator(nil, WithClock(func() time.Time { return now }))
	other := "0x00000000000000000000000000000000000000aa"
	err := auth.Verify(context.Background(), other, message, sig, now.UnixMilli())
	if !stdErrors.Is(err, ErrWalletMismatch) {
		t.Fatalf("expected wallet mismatch, got %v", err)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	message := "OpenProof login challenge"
	wallet, sig := signPersonal(t, testKeyHex, message)

	now := time.Now()
	auth := NewAuthenticator(nil, WithClock(func() time.Time { return now }))

	// 301 秒前签名：过期。
	stale := now.Add(-301 * time.Second).UnixMilli()
	if err := auth.Verify(context.Background(), wallet, message, sig, stale); !stdErrors.Is(err, ErrSignatureExpired) {
		t.Fatalf("301s old signature must expire, got %v", err)
	}

	// 299 秒前签名：接受。
	fresh := now.Add(-299 * time.Second).UnixMilli()
	if err := auth.Verify(context.Background(), wallet, message, sig, fresh); err != nil {
		t.Fatalf("299s old signature must pass freshness, got %v", err)
	}

	// 时钟偏移容忍以外的未来时间戳同样拒绝。
	future := now.Add(2 * time.Minute).UnixMilli()
	if err := auth.Verify(context.Background(), wallet, message, sig, future); !stdErrors.Is(err, ErrSignatureExpired) {
		t.Fatalf("far-future timestamp must expire, got %v", err)
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	now := time.Now()
	auth := NewAuthenticator(nil, WithClock(func() time.Time { return now }))

	if err := auth.Verify(context.Background(), "not-an-address", "m", "0x00", now.UnixMilli()); err == nil {
		t.Fatalf("invalid address must fail")
	}
	wallet, _ := signPersonal(t, testKeyHex, "m")
	if err := auth.Verify(context.Background(), wallet, "m", "0xzz", now.UnixMilli()); err == nil {
		t.Fatalf("non-hex signature must fail")
	}
	if err := auth.Verify(context.Background(), wallet, "m", "0x1234", now.UnixMilli()); err == nil {
		t.Fatalf("short signature must fail")
	}
}

// fakeChainReader 记录 eth_call 请求，按顺序返回预置结果。
type fakeChainReader struct {
	code    []byte
	returns [][]byte
	msgs    []gethcore.CallMsg
}

func (f *fakeChainReader) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}
func (f *fakeChainReader) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return f.code, nil
}
func (f *fakeChainReader) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	f.msgs = append(f.msgs, msg)
	if len(f.returns) == 0 {
		return make([]byte, 32), nil
	}
	out := f.returns[0]
	f.returns = f.returns[1:]
	return out, nil
}
func (f *fakeChainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}

// wrap6492 按 ERC-6492 规范包裹签名：abi.encode(factory, calldata, innerSig) 加魔术后缀。
func wrap6492(t *testing.T, factory common.Address, deployCall, inner []byte) []byte {
	t.Helper()
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		t.Fatalf("abi address type: %v", err)
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		t.Fatalf("abi bytes type: %v", err)
	}
	args := abi.Arguments{{Type: addressType}, {Type: bytesType}, {Type: bytesType}}
	payload, err := args.Pack(factory, deployCall, inner)
	if err != nil {
		t.Fatalf("pack 6492 envelope: %v", err)
	}
	return append(payload, erc6492MagicSuffix...)
}

func erc1271MagicWord() []byte {
	word := make([]byte, 32)
	copy(word, web3.ERC1271Magic[:])
	return word
}

func boolWord(v bool) []byte {
	word := make([]byte, 32)
	if v {
		word[31] = 1
	}
	return word
}

func TestVerifyDeployedWalletUnwrapsBeforeContractCheck(t *testing.T) {
	message := "OpenProof login challenge"
	_, sigHex := signPersonal(t, testKeyHex, message)
	inner, err := hex.DecodeString(sigHex[2:])
	if err != nil {
		t.Fatalf("decode inner signature: %v", err)
	}
	factory := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	wrapped := wrap6492(t, factory, []byte{0xde, 0xad, 0xbe, 0xef}, inner)

	// 地址上已有代码：包裹层失效，ERC-1271 收到的必须是内层签名。
	reader := &fakeChainReader{code: []byte{0x60, 0x80}, returns: [][]byte{erc1271MagicWord()}}
	now := time.Now()
	auth := NewAuthenticator(reader, WithClock(func() time.Time { return now }))

	contractWallet := "0x00000000000000000000000000000000000000bb"
	err = auth.Verify(context.Background(), contractWallet, message, "0x"+hex.EncodeToString(wrapped), now.UnixMilli())
	if err != nil {
		t.Fatalf("deployed wallet with wrapped signature must validate, got %v", err)
	}
	if len(reader.msgs) != 1 {
		t.Fatalf("expected one eth_call, got %d", len(reader.msgs))
	}
	calldata := reader.msgs[0].Data
	if reader.msgs[0].To == nil || *reader.msgs[0].To != common.HexToAddress(contractWallet) {
		t.Fatalf("eth_call must target the wallet contract, got %v", reader.msgs[0].To)
	}
	if !bytes.Contains(calldata, inner) {
		t.Fatalf("calldata must carry the unwrapped inner signature")
	}
	if bytes.Contains(calldata, erc6492MagicSuffix) {
		t.Fatalf("wrapper must be stripped before the ERC-1271 call")
	}
}

func TestVerifyCounterfactualWalletUsesValidator(t *testing.T) {
	message := "OpenProof login challenge"
	_, sigHex := signPersonal(t, testKeyHex, message)
	inner, _ := hex.DecodeString(sigHex[2:])
	factory := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	wrapped := wrap6492(t, factory, []byte{0xde, 0xad, 0xbe, 0xef}, inner)
	validator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contractWallet := "0x00000000000000000000000000000000000000bb"
	now := time.Now()

	// 地址尚无代码：完整包裹签名交给链上的通用校验合约。
	reader := &fakeChainReader{returns: [][]byte{boolWord(true)}}
	auth := NewAuthenticator(reader,
		WithSignatureValidator(validator),
		WithClock(func() time.Time { return now }))
	err := auth.Verify(context.Background(), contractWallet, message, "0x"+hex.EncodeToString(wrapped), now.UnixMilli())
	if err != nil {
		t.Fatalf("counterfactual wallet must validate through the validator, got %v", err)
	}
	if len(reader.msgs) != 1 {
		t.Fatalf("expected one eth_call, got %d", len(reader.msgs))
	}
	if reader.msgs[0].To == nil || *reader.msgs[0].To != validator {
		t.Fatalf("eth_call must target the validator contract, got %v", reader.msgs[0].To)
	}
	if !bytes.Contains(reader.msgs[0].Data, wrapped) {
		t.Fatalf("validator must receive the intact wrapped signature")
	}

	// 校验合约返回 false 时签名无效。
	rejecting := &fakeChainReader{returns: [][]byte{boolWord(false)}}
	auth = NewAuthenticator(rejecting,
		WithSignatureValidator(validator),
		WithClock(func() time.Time { return now }))
	err = auth.Verify(context.Background(), contractWallet, message, "0x"+hex.EncodeToString(wrapped), now.UnixMilli())
	if !stdErrors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("validator rejection must surface as invalid signature, got %v", err)
	}
}

func TestVerifyCounterfactualWithoutValidatorRejected(t *testing.T) {
	message := "OpenProof login challenge"
	_, sigHex := signPersonal(t, testKeyHex, message)
	inner, _ := hex.DecodeString(sigHex[2:])
	wrapped := wrap6492(t, common.HexToAddress("0xf1"), []byte{0x01}, inner)
	now := time.Now()

	reader := &fakeChainReader{}
	auth := NewAuthenticator(reader, WithClock(func() time.Time { return now }))
	err := auth.Verify(context.Background(), "0x00000000000000000000000000000000000000bb", message, "0x"+hex.EncodeToString(wrapped), now.UnixMilli())
	if err == nil {
		t.Fatalf("wrapped signature without a configured validator must be rejected")
	}
	if xerrors.CodeOf(err) != CodeSignatureInvalid {
		t.Fatalf("expected %s, got %v", CodeSignatureInvalid, err)
	}
	if len(reader.msgs) != 0 {
		t.Fatalf("no eth_call may be issued without a validator, got %d", len(reader.msgs))
	}
}
