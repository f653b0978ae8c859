package keys

import (
	"strings"

	"walletsync/pkg/models"

	"github.com/ethereum/go-ethereum/crypto"
)

const identityDomain = "walletsync/identity/v1"

// NewIdentity derives the wallet identity from the hardware key seed. The same
// seed always yields the same identity.
func NewIdentity(seed []byte) (models.WalletIdentity, error) {
	if len(seed) == 0 {
		return "", models.ErrInvalidIdentitySeed
	}
	h := crypto.Keccak256Hash([]byte(identityDomain), seed)
	return models.WalletIdentity(strings.TrimPrefix(h.Hex(), "0x")), nil
}
