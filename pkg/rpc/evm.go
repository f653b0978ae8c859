// Package rpc reads on-chain balances, token metadata and fiat prices.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"walletsync/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	// balanceOf(address)
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
	// symbol()
	symbolSelector = []byte{0x95, 0xd8, 0x9b, 0x41}
	// decimals()
	decimalsSelector = []byte{0x31, 0x3c, 0xe5, 0x67}
)

// EVMSource fetches the native or ERC-20 balance of one account, trying each
// RPC URL in order until one answers.
type EVMSource struct {
	rpcURLs  []string
	account  common.Address
	token    *common.Address
	decimals int
}

func NewEVMSource(rpcURLs []string, account, contract string, decimals int) (*EVMSource, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("%w: no rpc urls", models.ErrUnsupportedChain)
	}
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("%w: account %q", models.ErrInvalidAddress, account)
	}
	s := &EVMSource{
		rpcURLs:  rpcURLs,
		account:  common.HexToAddress(account),
		decimals: decimals,
	}
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("%w: contract %q", models.ErrInvalidAddress, contract)
		}
		token := common.HexToAddress(contract)
		s.token = &token
	}
	return s, nil
}

// Account returns the checksummed account address.
func (s *EVMSource) Account() string {
	return s.account.Hex()
}

func (s *EVMSource) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	var lastErr error
	for _, rpcURL := range s.rpcURLs {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := s.fetch(ctx, client)
		client.Close()
		if err == nil {
			return decimal.NewFromBigInt(raw, -int32(s.decimals)), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, fetchError(ctx, lastErr)
}

func (s *EVMSource) fetch(ctx context.Context, client *ethclient.Client) (*big.Int, error) {
	if s.token == nil {
		return client.BalanceAt(ctx, s.account, nil)
	}

	data := make([]byte, 4+32)
	copy(data[0:4], balanceOfSelector)
	copy(data[4+12:], s.account.Bytes())
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: s.token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty balanceOf result from %s", s.token.Hex())
	}
	return new(big.Int).SetBytes(result), nil
}

// FetchTokenMetadata reads symbol() and decimals() of an ERC-20 contract.
func FetchTokenMetadata(ctx context.Context, rpcURLs []string, tokenAddress string) (models.TokenMetadata, error) {
	if !common.IsHexAddress(tokenAddress) {
		err := fmt.Errorf("%w: contract %q", models.ErrInvalidAddress, tokenAddress)
		return models.TokenMetadata{Err: err}, err
	}
	targetAddr := common.HexToAddress(tokenAddress)

	lastErr := errors.New("no rpc urls")
	for _, rpcURL := range rpcURLs {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			lastErr = err
			continue
		}

		var symbol string
		resSymbol, err := client.CallContract(ctx, ethereum.CallMsg{To: &targetAddr, Data: symbolSelector}, nil)
		if err == nil {
			symbol = decodeSymbol(resSymbol)
		}

		resDecimals, err := client.CallContract(ctx, ethereum.CallMsg{To: &targetAddr, Data: decimalsSelector}, nil)
		client.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(resDecimals) == 0 {
			lastErr = fmt.Errorf("empty decimals() result")
			continue
		}
		return models.TokenMetadata{
			Symbol:   symbol,
			Decimals: int(new(big.Int).SetBytes(resDecimals).Int64()),
		}, nil
	}
	err := fetchError(ctx, lastErr)
	return models.TokenMetadata{Err: err}, err
}

// decodeSymbol handles both the string and the legacy bytes32 return types.
func decodeSymbol(res []byte) string {
	switch {
	case len(res) == 32:
		return string(bytes.TrimRight(res, "\x00"))
	case len(res) >= 64:
		length := new(big.Int).SetBytes(res[32:64]).Int64()
		if length > 0 && 64+int(length) <= len(res) {
			return string(res[64 : 64+length])
		}
	}
	return ""
}

// FetchChainID asks a node for its chain id.
func FetchChainID(ctx context.Context, rpcURL string) (int64, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

// TokenFinder resolves token metadata on configured EVM chains.
type TokenFinder struct {
	rpcURLs map[string][]string
}

// NewTokenFinder takes the RPC URLs of every EVM chain keyed by chain name.
func NewTokenFinder(rpcURLs map[string][]string) *TokenFinder {
	norm := make(map[string][]string, len(rpcURLs))
	for chain, urls := range rpcURLs {
		norm[strings.ToLower(chain)] = urls
	}
	return &TokenFinder{rpcURLs: norm}
}

// FindToken builds a TokenEntry for contract on chain from its on-chain
// metadata.
func (f *TokenFinder) FindToken(ctx context.Context, chain, contract string) (models.TokenEntry, error) {
	id := models.NewTokenID(chain, contract)
	urls, ok := f.rpcURLs[id.Chain]
	if !ok {
		return models.TokenEntry{}, fmt.Errorf("%w: %s", models.ErrUnsupportedChain, chain)
	}
	meta, err := FetchTokenMetadata(ctx, urls, id.Contract)
	if err != nil {
		return models.TokenEntry{}, err
	}
	if meta.Symbol == "" {
		return models.TokenEntry{}, fmt.Errorf("%w: %s has no symbol", models.ErrInvalidEntry, id)
	}
	return models.TokenEntry{
		Chain:           id.Chain,
		ContractAddress: id.Contract,
		Decimals:        meta.Decimals,
		Symbol:          meta.Symbol,
	}, nil
}

// fetchError keeps context errors recognizable and tags everything else as a
// failed fetch.
func fetchError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrBalanceFetchFailed, err)
}
