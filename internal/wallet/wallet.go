package wallet

import (
	xerrors "OpenProof-Chain/internal/errors"
)

// 认证阶段的统一错误码。
const (
	CodeSignatureInvalid xerrors.Code = "SIGNATURE_INVALID"
	CodeSignatureExpired xerrors.Code = "SIGNATURE_EXPIRED"
	CodeWalletMismatch   xerrors.Code = "WALLET_MISMATCH"
)

var (
	// ErrSignatureInvalid 表示签名无法恢复或链上校验未通过。
	ErrSignatureInvalid = xerrors.New(CodeSignatureInvalid, "signature invalid")
	// ErrSignatureExpired 表示签名时间戳超出新鲜度窗口。
	ErrSignatureExpired = xerrors.New(CodeSignatureExpired, "signature expired")
	// ErrWalletMismatch 表示恢复出的签名者与声明的钱包不一致。
	ErrWalletMismatch = xerrors.New(CodeWalletMismatch, "recovered signer does not match wallet")
)

func init() {
	xerrors.Register(CodeSignatureInvalid, xerrors.Attributes{
		Message:   "signature invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSignatureExpired, xerrors.Attributes{
		Message:   "signature expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletMismatch, xerrors.Attributes{
		Message:   "recovered signer does not match wallet",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
