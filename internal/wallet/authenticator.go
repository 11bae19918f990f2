package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/web3"
)

const (
	// DefaultMaxStaleness 是签名允许的最大滞后，即重放保护窗口。
	DefaultMaxStaleness = 5 * time.Minute
	// DefaultMaxClockSkew 是允许签名时间戳领先本机时钟的上限。
	DefaultMaxClockSkew = 30 * time.Second
)

// erc6492MagicSuffix 标记“合约尚未部署时产生”的包裹签名。
// 全部 32 字节均为 0x6492 重复。
var erc6492MagicSuffix = bytes.Repeat([]byte{0x64, 0x92}, 16)

// Authenticator 校验请求签名确实出自声明的钱包。
// 外部账户走椭圆曲线恢复，合约钱包走枢纽链上的 ERC-1271 校验。
type Authenticator struct {
	hub       web3.Reader
	validator common.Address
	maxStale  time.Duration
	maxSkew   time.Duration
	now       func() time.Time
}

// Option 定义可选配置。
type Option func(*Authenticator)

// WithFreshnessWindow 覆盖默认的新鲜度窗口。
func WithFreshnessWindow(maxStale, maxSkew time.Duration) Option {
	return func(a *Authenticator) {
		if maxStale > 0 {
			a.maxStale = maxStale
		}
		if maxSkew > 0 {
			a.maxSkew = maxSkew
		}
	}
}

// WithSignatureValidator 配置枢纽链上的 ERC-6492 通用校验合约。
// 未配置时,尚未部署的合约钱包签名一律拒绝。
func WithSignatureValidator(validator common.Address) Option {
	return func(a *Authenticator) {
		a.validator = validator
	}
}

// WithClock 注入时钟，测试边界用。
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator 构造认证器。hub 为空时仅支持外部账户签名。
func NewAuthenticator(hub web3.Reader, opts ...Option) *Authenticator {
	a := &Authenticator{
		hub:      hub,
		maxStale: DefaultMaxStaleness,
		maxSkew:  DefaultMaxClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Verify 校验 message 上的签名出自 wallet，并强制执行新鲜度窗口。
// 签名绑定完整的标准签名串，载荷被改动即导致校验失败，因此无需独立的
// nonce 存储。
func (a *Authenticator) Verify(ctx context.Context, wallet, message, signatureHex string, timestampMs int64) error {
	if !common.IsHexAddress(wallet) {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包地址格式非法")
	}
	if err := a.checkFreshness(timestampMs); err != nil {
		return err
	}

	signature, err := decodeSignature(signatureHex)
	if err != nil {
		return err
	}

	claimed := common.HexToAddress(wallet)
	digest := accounts.TextHash([]byte(message))

	// 先剥离 ERC-6492 包裹：包裹标记“签名产生时合约尚未部署”，
	// 内层才是真正交给 ERC-1271 的签名。
	inner, wrapped := unwrap6492(signature)

	// 合约钱包优先：地址上有代码时一律走链上校验。
	if a.hub != nil {
		code, codeErr := a.hub.CodeAt(ctx, claimed)
		if codeErr == nil && len(code) > 0 {
			if wrapped {
				// 签名之后合约已经部署,包裹层只剩历史意义
				return a.verifyContract(ctx, claimed, digest, inner)
			}
			return a.verifyContract(ctx, claimed, digest, signature)
		}
	}

	if wrapped {
		if a.hub == nil {
			return xerrors.New(CodeSignatureInvalid, "合约钱包签名需要枢纽链读客户端")
		}
		return a.verifyCounterfactual(ctx, claimed, digest, signature)
	}

	return verifyEOA(claimed, digest, signature)
}

// verifyCounterfactual 校验尚未部署的合约钱包的包裹签名。通用校验合约
// 会在自己的调用帧内重放工厂部署,再对反事实地址执行 ERC-1271,
// 完整的包裹签名(含工厂与部署参数)原样传入。
func (a *Authenticator) verifyCounterfactual(ctx context.Context, wallet common.Address, digest []byte, wrapped []byte) error {
	if a.validator == (common.Address{}) {
		return xerrors.New(CodeSignatureInvalid, "未配置 ERC-6492 校验合约，无法校验未部署的合约钱包")
	}
	var hash [32]byte
	copy(hash[:], digest)
	valid, err := web3.ValidateWrappedSignature(ctx, a.hub, a.validator, wallet, hash, wrapped)
	if err != nil {
		return xerrors.Wrap(CodeSignatureInvalid, err, "合约钱包延迟校验失败")
	}
	if !valid {
		return ErrSignatureInvalid
	}
	return nil
}

func (a *Authenticator) verifyContract(ctx context.Context, wallet common.Address, digest []byte, signature []byte) error {
	var hash [32]byte
	copy(hash[:], digest)
	valid, err := web3.IsValidContractSignature(ctx, a.hub, wallet, hash, signature)
	if err != nil {
		return xerrors.Wrap(CodeSignatureInvalid, err, "合约钱包签名校验失败")
	}
	if !valid {
		return ErrSignatureInvalid
	}
	return nil
}

func (a *Authenticator) checkFreshness(timestampMs int64) error {
	if timestampMs <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名时间戳必须为正整数毫秒")
	}
	now := a.now().UnixMilli()
	if now-timestampMs > a.maxStale.Milliseconds() {
		return ErrSignatureExpired
	}
	if timestampMs-now > a.maxSkew.Milliseconds() {
		return ErrSignatureExpired
	}
	return nil
}

func verifyEOA(claimed common.Address, digest []byte, signature []byte) error {
	if len(signature) != crypto.SignatureLength {
		return xerrors.New(CodeSignatureInvalid, "签名长度非法")
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	// personal_sign 习惯输出 V=27/28，恢复前归一化到 0/1。
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return xerrors.Wrap(CodeSignatureInvalid, err, "恢复签名公钥失败")
	}
	recovered := crypto.PubkeyToAddress(*pubkey)
	if recovered != claimed {
		return ErrWalletMismatch
	}
	return nil
}

func decodeSignature(signatureHex string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x")
	if trimmed == "" {
		return nil, xerrors.New(CodeSignatureInvalid, "签名不能为空")
	}
	signature, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignatureInvalid, err, "签名不是合法的十六进制")
	}
	return signature, nil
}

// unwrap6492 检测并剥离 ERC-6492 包裹，返回内层签名。
// 包裹格式为 abi.encode(factory, calldata, innerSig) || magicSuffix，
// 这里只需取出内层签名交给 ERC-1271。
func unwrap6492(signature []byte) ([]byte, bool) {
	if len(signature) <= len(erc6492MagicSuffix) {
		return nil, false
	}
	if !bytes.HasSuffix(signature, erc6492MagicSuffix) {
		return nil, false
	}
	payload := signature[:len(signature)-len(erc6492MagicSuffix)]
	// 内层签名是 ABI 编码元组的第三个动态字段；偏移量位于第三个字。
	if len(payload) < 96 {
		return nil, false
	}
	offset := int(new(bigWord).set(payload[64:96]))
	if offset <= 0 || offset+32 > len(payload) {
		return nil, false
	}
	length := int(new(bigWord).set(payload[offset : offset+32]))
	start := offset + 32
	if length <= 0 || start+length > len(payload) {
		return nil, false
	}
	return payload[start : start+length], true
}

// bigWord 读取 32 字节大端整数的低 8 字节，偏移量与长度不会超过该范围。
type bigWord uint64

func (w *bigWord) set(word []byte) bigWord {
	var v uint64
	for _, b := range word[len(word)-8:] {
		v = v<<8 | uint64(b)
	}
	*w = bigWord(v)
	return *w
}
