package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"walletsync/pkg/models"

	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// SolanaSource fetches the SOL balance of an owner, or its SPL balance held in
// the associated token account of a mint.
type SolanaSource struct {
	clients  []*solrpc.Client
	owner    solana.PublicKey
	mint     *solana.PublicKey
	decimals int
}

func NewSolanaSource(rpcURLs []string, owner solana.PublicKey, mint string, decimals int) (*SolanaSource, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("%w: no rpc urls", models.ErrUnsupportedChain)
	}
	s := &SolanaSource{owner: owner, decimals: decimals}
	for _, u := range rpcURLs {
		s.clients = append(s.clients, solrpc.New(u))
	}
	if mint != "" {
		pk, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			return nil, fmt.Errorf("%w: mint %q: %v", models.ErrInvalidAddress, mint, err)
		}
		s.mint = &pk
	}
	return s, nil
}

// Account returns the base58 owner address.
func (s *SolanaSource) Account() string {
	return s.owner.String()
}

func (s *SolanaSource) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	var lastErr error
	for _, client := range s.clients {
		raw, err := s.fetch(ctx, client)
		if err == nil {
			return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(s.decimals)), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, fetchError(ctx, lastErr)
}

func (s *SolanaSource) fetch(ctx context.Context, client *solrpc.Client) (uint64, error) {
	if s.mint == nil {
		balance, err := client.GetBalance(ctx, s.owner, solrpc.CommitmentConfirmed)
		if err != nil {
			return 0, err
		}
		return balance.Value, nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(s.owner, *s.mint)
	if err != nil {
		return 0, fmt.Errorf("associated token address: %w", err)
	}
	balance, err := client.GetTokenAccountBalance(ctx, ata, solrpc.CommitmentConfirmed)
	if err != nil {
		// no token account yet means nothing was ever received
		if isAccountNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if balance.Value == nil {
		return 0, nil
	}
	amount, ok := new(big.Int).SetString(balance.Value.Amount, 10)
	if !ok || !amount.IsUint64() {
		return 0, fmt.Errorf("invalid token amount %q", balance.Value.Amount)
	}
	return amount.Uint64(), nil
}

func isAccountNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find account") ||
		strings.Contains(msg, "not found")
}
