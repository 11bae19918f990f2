package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/voucher"
	"OpenProof-Chain/internal/wallet"
)

// Envelope 是所有接口的统一响应结构。
type Envelope struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
	RequestID string        `json:"requestId"`
}

// ErrorPayload 对外暴露错误码与提示信息,不泄露内部堆栈。
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		RequestID: uuid.NewString(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(code))
	_ = json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error: &ErrorPayload{
			Code:    string(code),
			Message: message,
			Type:    string(xerrors.SeverityOf(err)),
		},
		Timestamp: time.Now().UnixMilli(),
		RequestID: uuid.NewString(),
	})
}

// httpStatusFor 将统一错误码映射为 HTTP 状态码。
func httpStatusFor(code xerrors.Code) int {
	switch code {
	case proof.CodeProofValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case wallet.CodeSignatureInvalid, wallet.CodeSignatureExpired, wallet.CodeWalletMismatch:
		return http.StatusUnauthorized
	case proof.CodeAccessDenied:
		return http.StatusForbidden
	case proof.CodeProofNotFound, voucher.CodeVoucherNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case proof.CodeProofConflict, proof.CodeResultExists, voucher.CodeVoucherConflict,
		voucher.CodeVoucherSettled, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
