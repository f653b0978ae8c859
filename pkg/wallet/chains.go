package wallet

import (
	"fmt"
	"strings"

	"walletsync/pkg/keys"
	"walletsync/pkg/models"
	"walletsync/pkg/registry"
	"walletsync/pkg/rpc"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

type ChainKind string

const (
	KindEVM    ChainKind = "evm"
	KindSolana ChainKind = "solana"
)

// Chain describes how balances are read on one blockchain.
type Chain struct {
	Name           string
	Kind           ChainKind
	Curve          models.Curve
	RPCURLs        []string
	DerivationPath string
}

// ChainFactory builds balance sources from the wallet keys. The account of a
// chain is derived from the key at the chain's derivation path, or from the
// seed key when that path was never derived.
type ChainFactory struct {
	chains map[string]Chain
	keys   *keys.KeyStore
}

func NewChainFactory(chains []Chain, ks *keys.KeyStore) *ChainFactory {
	f := &ChainFactory{chains: make(map[string]Chain, len(chains)), keys: ks}
	for _, c := range chains {
		f.chains[strings.ToLower(c.Name)] = c
	}
	return f
}

func (f *ChainFactory) MakeManager(entry models.TokenEntry) (registry.BalanceSource, error) {
	chain, ok := f.chains[entry.ID().Chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedChain, entry.Chain)
	}
	account, err := f.Address(chain.Name)
	if err != nil {
		return nil, err
	}

	switch chain.Kind {
	case KindEVM:
		src, err := rpc.NewEVMSource(chain.RPCURLs, account, entry.ContractAddress, entry.Decimals)
		if err != nil {
			return nil, err
		}
		return src, nil
	case KindSolana:
		owner, err := solana.PublicKeyFromBase58(account)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidAddress, err)
		}
		src, err := rpc.NewSolanaSource(chain.RPCURLs, owner, entry.ContractAddress, entry.Decimals)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w: %s has kind %q", models.ErrUnsupportedChain, chain.Name, chain.Kind)
	}
}

// Address returns the account address the wallet uses on chain.
func (f *ChainFactory) Address(chainName string) (string, error) {
	chain, ok := f.chains[strings.ToLower(chainName)]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedChain, chainName)
	}
	if curve := kindCurve(chain.Kind); curve != chain.Curve {
		return "", fmt.Errorf("%w: %s needs %s, configured with %s", models.ErrNoKeyForCurve, chain.Name, curve, chain.Curve)
	}

	key, _, err := f.keys.PublicKey(chain.Curve, chain.DerivationPath)
	if err != nil {
		return "", err
	}

	switch chain.Kind {
	case KindEVM:
		return EVMAddress(key)
	case KindSolana:
		if len(key) != solana.PublicKeyLength {
			return "", fmt.Errorf("%w: ed25519 key of %d bytes", models.ErrInvalidAddress, len(key))
		}
		return solana.PublicKeyFromBytes(key).String(), nil
	}
	return "", fmt.Errorf("%w: %s has kind %q", models.ErrUnsupportedChain, chain.Name, chain.Kind)
}

// EVMAddress converts a compressed or uncompressed secp256k1 public key into a
// checksummed address.
func EVMAddress(pub []byte) (string, error) {
	switch len(pub) {
	case 33:
		pk, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrInvalidAddress, err)
		}
		return crypto.PubkeyToAddress(*pk).Hex(), nil
	case 65:
		pk, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrInvalidAddress, err)
		}
		return crypto.PubkeyToAddress(*pk).Hex(), nil
	}
	return "", fmt.Errorf("%w: secp256k1 key of %d bytes", models.ErrInvalidAddress, len(pub))
}

func kindCurve(kind ChainKind) models.Curve {
	if kind == KindSolana {
		return models.CurveEd25519
	}
	return models.CurveSecp256k1
}
