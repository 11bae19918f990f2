package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"OpenProof-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const attestationABIJSON = `[{"name":"fulfill","type":"function","stateMutability":"nonpayable","inputs":[{"name":"voucherId","type":"bytes32"},{"name":"qHash","type":"bytes32"},{"name":"verifierId","type":"string"}],"outputs":[]}]`

var attestationABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(attestationABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Config describes how to construct an EVM compatible client.
type Config struct {
	ChainID             string
	RPCURL              string
	RelayKeyEnv         string
	AttestationContract string
	GasLimit            uint64
}

// Client implements the web3.Reader interface for EVM compatible chains, and
// web3.Relay when a relay identity is configured.
type Client struct {
	chainID   string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	relayKey   *ecdsa.PrivateKey
	relayAddr  common.Address
	attestAddr common.Address
	gasLimit   uint64

	mu sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 节点失败: %w", cfg.ChainID, err)
	}

	client := &Client{
		chainID:   cfg.ChainID,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		gasLimit:  cfg.GasLimit,
	}
	if client.gasLimit == 0 {
		client.gasLimit = 200_000
	}

	if keyEnv := strings.TrimSpace(cfg.RelayKeyEnv); keyEnv != "" {
		keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv(keyEnv)), "0x")
		if keyHex == "" {
			return nil, fmt.Errorf("中继私钥环境变量 %s 为空", keyEnv)
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("解析中继私钥失败: %w", err)
		}
		if !common.IsHexAddress(cfg.AttestationContract) {
			return nil, fmt.Errorf("链 %s 的 attestation_contract 非法", cfg.ChainID)
		}
		client.relayKey = key
		client.relayAddr = crypto.PubkeyToAddress(key.PublicKey)
		client.attestAddr = common.HexToAddress(cfg.AttestationContract)
	}

	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// ChainID returns the chain ID reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// CodeAt returns the bytecode deployed at the account, if any.
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return c.eth.CodeAt(ctx, account, nil)
}

// CallContract executes a read-only contract call against the latest state.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, nil)
}

// TransactionReceipt fetches the receipt for a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的链客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

// CanRelay reports whether a relay identity is configured for this chain.
func (c *Client) CanRelay() bool {
	return c != nil && c.relayKey != nil
}

// SubmitFulfillment anchors a voucher on the target chain through the
// pre-authorized relay identity and waits for the transaction to be mined.
func (c *Client) SubmitFulfillment(ctx context.Context, req web3.FulfillmentRequest) (web3.FulfillmentResult, error) {
	if !c.CanRelay() {
		return web3.FulfillmentResult{}, fmt.Errorf("链 %s 未配置中继身份", c.chainID)
	}

	input, err := attestationABI.Pack("fulfill",
		common.HexToHash(req.VoucherID),
		common.HexToHash(req.QHash),
		req.VerifierID,
	)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("编码履约交易失败: %w", err)
	}

	// 单链内串行发交易，避免同一中继账户的 nonce 竞争。
	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.relayAddr)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("获取中继账户 nonce 失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.attestAddr,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.relayKey)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("签名履约交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("广播履约交易失败: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return web3.FulfillmentResult{}, fmt.Errorf("等待履约交易上块失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return web3.FulfillmentResult{}, fmt.Errorf("履约交易被目标链回滚: %s", signed.Hash().Hex())
	}

	return web3.FulfillmentResult{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}
