package wallet

import (
	"crypto/ed25519"
	"testing"

	"walletsync/pkg/keys"
	"walletsync/pkg/models"
	"walletsync/pkg/rpc"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEVMAddress(t *testing.T) {
	addr, err := EVMAddress(mustHex(t, pubKeyOne))
	require.NoError(t, err)
	assert.Equal(t, addressOne, addr)

	_, err = EVMAddress([]byte{1, 2, 3})
	assert.ErrorIs(t, err, models.ErrInvalidAddress)
}

func TestChainFactory(t *testing.T) {
	edKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	ks := keys.NewKeyStore([]models.KeyEntry{
		{Curve: models.CurveSecp256k1, PublicKeySeed: mustHex(t, pubKeyOne)},
		{Curve: models.CurveEd25519, PublicKeySeed: edKey},
	})
	chains := append([]Chain{
		{Name: "broken", Kind: KindSolana, Curve: models.CurveSecp256k1},
		{Name: "nowhere", Kind: KindEVM, Curve: models.CurveSecp256k1},
	}, testChains...)
	f := NewChainFactory(chains, ks)

	t.Run("evm", func(t *testing.T) {
		addr, err := f.Address("Ethereum")
		require.NoError(t, err)
		assert.Equal(t, addressOne, addr)

		src, err := f.MakeManager(models.TokenEntry{Chain: "ethereum", Symbol: "USDC", Decimals: 6,
			ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"})
		require.NoError(t, err)
		evm, ok := src.(*rpc.EVMSource)
		require.True(t, ok)
		assert.Equal(t, addressOne, evm.Account())
	})

	t.Run("solana", func(t *testing.T) {
		addr, err := f.Address("solana")
		require.NoError(t, err)
		assert.Equal(t, solana.PublicKeyFromBytes(edKey).String(), addr)

		src, err := f.MakeManager(sol)
		require.NoError(t, err)
		_, ok := src.(*rpc.SolanaSource)
		assert.True(t, ok)

		_, err = f.MakeManager(models.TokenEntry{Chain: "solana", Symbol: "BAD", ContractAddress: "not-a-mint"})
		assert.ErrorIs(t, err, models.ErrInvalidAddress)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := f.Address("tron")
		assert.ErrorIs(t, err, models.ErrUnsupportedChain)

		_, err = f.Address("broken")
		assert.ErrorIs(t, err, models.ErrNoKeyForCurve)

		_, err = f.MakeManager(models.TokenEntry{Chain: "nowhere", Symbol: "X"})
		assert.ErrorIs(t, err, models.ErrUnsupportedChain)

		_, err = f.MakeManager(models.TokenEntry{Chain: "tron", Symbol: "TRX"})
		assert.ErrorIs(t, err, models.ErrUnsupportedChain)
	})
}
