package keys

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"walletsync/pkg/models"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// SoftProvisioner derives secp256k1 keys from a BIP39 mnemonic. It stands in
// for the card's secure element when running without hardware.
type SoftProvisioner struct {
	master *bip32.Key
}

func NewSoftProvisioner(mnemonic, passphrase string) (*SoftProvisioner, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", models.ErrInvalidIdentitySeed)
	}
	master, err := bip32.NewMasterKey(bip39.NewSeed(mnemonic, passphrase))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return &SoftProvisioner{master: master}, nil
}

// IdentitySeed returns the bytes the wallet identity is derived from.
func (p *SoftProvisioner) IdentitySeed() []byte {
	return p.master.PublicKey().Key
}

// SeedKeys returns the master public key of every supported curve.
func (p *SoftProvisioner) SeedKeys() []models.KeyEntry {
	return []models.KeyEntry{{
		Curve:         models.CurveSecp256k1,
		PublicKeySeed: p.master.PublicKey().Key,
	}}
}

func (p *SoftProvisioner) DerivePublicKeys(ctx context.Context, curve models.Curve, paths []string) (map[string][]byte, error) {
	if curve != models.CurveSecp256k1 {
		return nil, fmt.Errorf("%w: %s", models.ErrDerivationUnsupported, curve)
	}

	out := make(map[string][]byte, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indexes, err := ParsePath(path)
		if err != nil {
			return nil, err
		}
		key := p.master
		for _, idx := range indexes {
			key, err = key.NewChildKey(idx)
			if err != nil {
				return nil, fmt.Errorf("derive %s: %w", path, err)
			}
		}
		out[path] = key.PublicKey().Key
	}
	return out, nil
}

// ParsePath parses a BIP32 path such as m/44'/60'/0'/0/0.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path %q", path)
	}

	indexes := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		part = strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path %q: %w", path, err)
		}
		idx := uint32(n)
		if hardened {
			idx += bip32.FirstHardenedChild
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}
