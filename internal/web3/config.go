package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Hub    string                     `yaml:"hub"`
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition, keyed by the
// chain ID string used on the wire.
type ChainDefinition struct {
	Type          string      `yaml:"type"`
	RPCURL        string      `yaml:"rpc_url"`
	Confirmations uint64      `yaml:"confirmations"`
	Description   string      `yaml:"description"`
	Relay         RelayConfig `yaml:"relay"`
	// SignatureValidator is the address of the deployed ERC-6492 universal
	// validator contract on this chain. Required on the hub chain to accept
	// wrapped signatures from wallets that are not deployed yet.
	SignatureValidator string `yaml:"signature_validator"`
}

// RelayConfig configures the pre-authorized relay identity for one spoke chain.
// The signing key is read from the named environment variable, never from the
// file itself.
type RelayConfig struct {
	KeyEnv              string `yaml:"key_env"`
	AttestationContract string `yaml:"attestation_contract"`
	GasLimit            uint64 `yaml:"gas_limit"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
