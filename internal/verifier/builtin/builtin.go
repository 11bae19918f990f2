// Package builtin 提供随守护进程内置注册的验证器实现。
package builtin

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"OpenProof-Chain/internal/web3"

	xerrors "OpenProof-Chain/internal/errors"
)

// ChainReaders 解析链 ID 到只读 RPC 客户端。provider.Registry 满足该契约。
type ChainReaders interface {
	Hub() string
	Reader(chainID string) (web3.Reader, error)
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func bigField(data map[string]any, key string) (*big.Int, bool) {
	v, ok := data[key]
	if !ok {
		return nil, false
	}
	switch n := v.(type) {
	case json.Number:
		i, ok := new(big.Int).SetString(n.String(), 10)
		return i, ok
	case string:
		i, ok := new(big.Int).SetString(n, 10)
		return i, ok
	case float64:
		if n == float64(int64(n)) {
			return big.NewInt(int64(n)), true
		}
		return nil, false
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	default:
		return nil, false
	}
}

func readerFor(readers ChainReaders, data map[string]any) (web3.Reader, string, error) {
	chain := readers.Hub()
	if c, ok := stringField(data, "chain"); ok {
		chain = c
	}
	reader, err := readers.Reader(chain)
	if err != nil {
		return nil, chain, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("链 %s 未配置", chain))
	}
	return reader, chain, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
