package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Reader is the narrow read-only surface higher layers are allowed to touch.
// Verifiers and the authenticator query chain state exclusively through it.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// FulfillmentRequest carries everything a relay identity needs to anchor a
// voucher on a spoke chain.
type FulfillmentRequest struct {
	VoucherID  string
	QHash      string
	VerifierID string
}

// FulfillmentResult reports the spoke-chain transaction that anchored a voucher.
type FulfillmentResult struct {
	TxHash      string
	BlockNumber uint64
}

// Relay is the write surface used exclusively by the relayer. Implementations
// sign with a pre-authorized identity for exactly one target chain.
type Relay interface {
	SubmitFulfillment(ctx context.Context, req FulfillmentRequest) (FulfillmentResult, error)
}

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
}

// Closer releases any network resources a chain client holds.
type Closer interface {
	Close()
}
