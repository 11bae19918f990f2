package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"OpenProof-Chain/internal/web3"
	"OpenProof-Chain/internal/web3/ethereum"
)

// entry bundles everything the daemon knows about one configured chain.
type entry struct {
	reader        web3.Reader
	relay         web3.Relay
	confirmations uint64
	sigValidator  common.Address
	closer        web3.Closer
}

// Registry manages chain clients keyed by chain ID string. The hub chain is
// where proofs are authenticated and vouchers issued; every other entry is a
// spoke that may carry a relay identity.
type Registry struct {
	hub     string
	entries map[string]*entry
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, chainConfigPath string) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(chainConfigPath)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	entries := make(map[string]*entry, len(defs.Chains))
	for chainID, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", chainID, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			ChainID:             chainID,
			RPCURL:              chain.RPCURL,
			RelayKeyEnv:         chain.Relay.KeyEnv,
			AttestationContract: chain.Relay.AttestationContract,
			GasLimit:            chain.Relay.GasLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", chainID, err)
		}
		e := &entry{
			reader:        client,
			confirmations: chain.Confirmations,
			closer:        client,
		}
		if v := strings.TrimSpace(chain.SignatureValidator); v != "" {
			if !common.IsHexAddress(v) {
				return nil, fmt.Errorf("链 %s 的 ERC-6492 校验合约地址非法: %s", chainID, v)
			}
			e.sigValidator = common.HexToAddress(v)
		}
		if client.CanRelay() {
			e.relay = client
		}
		entries[chainID] = e
	}

	hub := strings.TrimSpace(defs.Hub)
	if hub == "" {
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		hub = ids[0]
	}
	if _, ok := entries[hub]; !ok {
		return nil, fmt.Errorf("枢纽链 %s 未在配置中找到", hub)
	}

	return &Registry{hub: hub, entries: entries}, nil
}

// Hub returns the chain ID of the hub chain.
func (r *Registry) Hub() string {
	if r == nil {
		return ""
	}
	return r.hub
}

// HubReader returns the read client of the hub chain.
func (r *Registry) HubReader() (web3.Reader, error) {
	return r.Reader(r.hub)
}

// Reader returns the read client for the given chain ID.
func (r *Registry) Reader(chainID string) (web3.Reader, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	e, ok := r.entries[chainID]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", chainID)
	}
	return e.reader, nil
}

// Relay returns the relay identity client for a spoke chain, if configured.
func (r *Registry) Relay(chainID string) (web3.Relay, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.entries[chainID]
	if !ok || e.relay == nil {
		return nil, false
	}
	return e.relay, true
}

// SignatureValidator returns the ERC-6492 universal validator contract
// configured for the given chain, if any.
func (r *Registry) SignatureValidator(chainID string) (common.Address, bool) {
	if r == nil {
		return common.Address{}, false
	}
	e, ok := r.entries[chainID]
	if !ok || e.sigValidator == (common.Address{}) {
		return common.Address{}, false
	}
	return e.sigValidator, true
}

// Confirmations reports the finality depth required for the given chain.
func (r *Registry) Confirmations(chainID string) uint64 {
	if r == nil {
		return 0
	}
	if e, ok := r.entries[chainID]; ok {
		return e.confirmations
	}
	return 0
}

// Has reports whether the chain ID is configured.
func (r *Registry) Has(chainID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.entries[chainID]
	return ok
}

// Chains returns the sorted list of configured chain IDs.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, e := range r.entries {
		if e.closer != nil {
			e.closer.Close()
		}
		delete(r.entries, id)
	}
}
