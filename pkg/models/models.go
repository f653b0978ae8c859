package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Curve identifies the elliptic curve of a wallet key.
type Curve string

const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
)

// WalletIdentity is the stable identifier of one hardware-backed wallet.
type WalletIdentity string

func (id WalletIdentity) String() string {
	return string(id)
}

// Short returns an abbreviated form suitable for logs and headers.
func (id WalletIdentity) Short() string {
	s := string(id)
	if len(s) <= 12 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// KeyEntry holds the seed public key of one curve and every child key derived
// from it so far. Derived keys are only ever appended.
type KeyEntry struct {
	Curve         Curve             `json:"curve"`
	PublicKeySeed []byte            `json:"public_key_seed"`
	DerivedKeys   map[string][]byte `json:"derived_keys,omitempty"`
}

// Clone returns a deep copy of the entry.
func (k KeyEntry) Clone() KeyEntry {
	cp := KeyEntry{
		Curve:         k.Curve,
		PublicKeySeed: append([]byte(nil), k.PublicKeySeed...),
		DerivedKeys:   make(map[string][]byte, len(k.DerivedKeys)),
	}
	for path, key := range k.DerivedKeys {
		cp.DerivedKeys[path] = append([]byte(nil), key...)
	}
	return cp
}

// TokenID is the identity of a TokenEntry: chain plus optional contract.
type TokenID struct {
	Chain    string `json:"chain"`
	Contract string `json:"contract,omitempty"`
}

// NewTokenID normalizes chain and contract into an identity. Hex contracts
// are case-insensitive and get lower-cased; other encodings (base58) are
// kept verbatim.
func NewTokenID(chain, contract string) TokenID {
	contract = strings.TrimSpace(contract)
	if strings.HasPrefix(strings.ToLower(contract), "0x") {
		contract = strings.ToLower(contract)
	}
	return TokenID{
		Chain:    strings.ToLower(strings.TrimSpace(chain)),
		Contract: contract,
	}
}

// IsNative reports whether the id refers to the chain's native coin.
func (id TokenID) IsNative() bool {
	return id.Contract == ""
}

func (id TokenID) String() string {
	if id.Contract == "" {
		return id.Chain
	}
	return id.Chain + ":" + id.Contract
}

// Less orders ids by chain then contract, native coin first.
func (id TokenID) Less(other TokenID) bool {
	if id.Chain != other.Chain {
		return id.Chain < other.Chain
	}
	return id.Contract < other.Contract
}

// ParseTokenID is the inverse of TokenID.String.
func ParseTokenID(s string) (TokenID, error) {
	chain, contract, _ := strings.Cut(s, ":")
	if strings.TrimSpace(chain) == "" {
		return TokenID{}, fmt.Errorf("%w: empty chain in %q", ErrInvalidEntry, s)
	}
	return NewTokenID(chain, contract), nil
}

// TokenEntry is one chain/token tracked by a wallet.
type TokenEntry struct {
	Chain           string `json:"chain"`
	ContractAddress string `json:"contract_address,omitempty"`
	Decimals        int    `json:"decimals"`
	Symbol          string `json:"symbol"`
	PriceID         string `json:"price_id,omitempty"`
}

// ID returns the normalized identity of the entry.
func (e TokenEntry) ID() TokenID {
	return NewTokenID(e.Chain, e.ContractAddress)
}

// Normalized returns the entry with its identity fields normalized.
func (e TokenEntry) Normalized() TokenEntry {
	id := e.ID()
	e.Chain = id.Chain
	e.ContractAddress = id.Contract
	e.Symbol = strings.TrimSpace(e.Symbol)
	return e
}

// Validate checks the entry fields that do not depend on other entries.
func (e TokenEntry) Validate() error {
	if strings.TrimSpace(e.Chain) == "" {
		return fmt.Errorf("%w: missing chain", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol for %s", ErrInvalidEntry, e.ID())
	}
	if e.Decimals < 0 || e.Decimals > 36 {
		return fmt.Errorf("%w: decimals %d out of range for %s", ErrInvalidEntry, e.Decimals, e.ID())
	}
	return nil
}

// TokenListState is an immutable snapshot of a wallet's token list.
type TokenListState struct {
	Entries []TokenEntry `json:"entries"`
	Version uint64       `json:"version"`
	Dirty   bool         `json:"dirty"`
}

// Contains reports whether an entry with the given identity is present.
func (s TokenListState) Contains(id TokenID) bool {
	_, ok := s.Find(id)
	return ok
}

// Find returns the entry with the given identity.
func (s TokenListState) Find(id TokenID) (TokenEntry, bool) {
	for _, e := range s.Entries {
		if e.ID() == id {
			return e, true
		}
	}
	return TokenEntry{}, false
}

// IDs returns the identities of all entries in list order.
func (s TokenListState) IDs() []TokenID {
	ids := make([]TokenID, 0, len(s.Entries))
	for _, e := range s.Entries {
		ids = append(ids, e.ID())
	}
	return ids
}

// Clone returns a copy that shares no memory with s.
func (s TokenListState) Clone() TokenListState {
	cp := s
	cp.Entries = append([]TokenEntry(nil), s.Entries...)
	return cp
}

// SortEntries orders entries by identity.
func SortEntries(entries []TokenEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID().Less(entries[j].ID())
	})
}

// BalanceKind is the resolution state of one token balance.
type BalanceKind string

const (
	BalancePending BalanceKind = "pending"
	BalanceValue   BalanceKind = "value"
	BalanceFailed  BalanceKind = "failed"
)

// BalanceState is the latest known balance of one token.
type BalanceState struct {
	Kind   BalanceKind     `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	AsOf   time.Time       `json:"as_of,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func Pending() BalanceState {
	return BalanceState{Kind: BalancePending}
}

func Value(amount decimal.Decimal, asOf time.Time) BalanceState {
	return BalanceState{Kind: BalanceValue, Amount: amount, AsOf: asOf}
}

func Failed(reason string) BalanceState {
	return BalanceState{Kind: BalanceFailed, Reason: reason}
}

// TokenBalance is the per-token row of an AggregateBalance.
type TokenBalance struct {
	Entry   TokenEntry       `json:"entry"`
	Balance BalanceState     `json:"balance"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Fiat    *decimal.Decimal `json:"fiat,omitempty"`
}

// TotalState tells whether a total is final.
type TotalState string

const (
	TotalPending TotalState = "pending"
	TotalValue   TotalState = "value"
)

// Total is the wallet balance in the display currency.
type Total struct {
	State    TotalState      `json:"state"`
	Amount   decimal.Decimal `json:"amount"`
	Partial  bool            `json:"partial"`
	Currency string          `json:"currency"`
}

// AggregateBalance is a derived, immutable view over every tracked token.
// Version is the token list version the snapshot reflects.
type AggregateBalance struct {
	Version    uint64         `json:"version"`
	Tokens     []TokenBalance `json:"tokens"`
	Total      Total          `json:"total"`
	Unpriced   []TokenID      `json:"unpriced,omitempty"`
	ComputedAt time.Time      `json:"computed_at"`
}

// Get returns the row for the given identity.
func (a AggregateBalance) Get(id TokenID) (TokenBalance, bool) {
	for _, tb := range a.Tokens {
		if tb.Entry.ID() == id {
			return tb, true
		}
	}
	return TokenBalance{}, false
}

// SyncState is the upload state of the local token list.
type SyncState string

const (
	SyncClean     SyncState = "clean"
	SyncDirty     SyncState = "dirty"
	SyncUploading SyncState = "uploading"
	SyncRetryWait SyncState = "retry_wait"
	SyncFailed    SyncState = "failed"
)

// SyncStatus is a snapshot of the synchronization coordinator.
type SyncStatus struct {
	State         SyncState `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LocalVersion  uint64    `json:"local_version"`
	RemoteVersion uint64    `json:"remote_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WalletRecord holds wallet metadata persisted next to the token list.
type WalletRecord struct {
	Name    string   `json:"name"`
	CardIDs []string `json:"card_ids"`
}

// TokenMetadata contains the result of a token metadata fetch.
type TokenMetadata struct {
	Symbol   string
	Decimals int
	Err      error
}

// ChainResult holds test results for a specific chain.
type ChainResult struct {
	Name            string      `json:"name"`
	Kind            string      `json:"kind"`
	Symbol          string      `json:"symbol"`
	ConfigChainID   int64       `json:"config_chain_id"`
	RPCs            []RPCResult `json:"rpcs"`
	Inconsistent    bool        `json:"inconsistent"`
	ObservedChainID int64       `json:"observed_chain_id,omitempty"`
	ChainIDUpdated  bool        `json:"chain_id_updated,omitempty"`
}

// RPCResult holds test results for a specific RPC URL.
type RPCResult struct {
	URL     string `json:"url"`
	Status  string `json:"status"` // "ok" or "error"
	ChainID int64  `json:"chain_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TestReport holds the results of the configuration test.
type TestReport struct {
	ConfigPath         string        `json:"config_path"`
	ValidStructure     bool          `json:"valid_structure"`
	StructureErrors    []string      `json:"structure_errors,omitempty"`
	ChainCount         int           `json:"chain_count"`
	TokenCount         int           `json:"token_count"`
	Chains             []ChainResult `json:"chains,omitempty"`
	InconsistentChains []string      `json:"inconsistent_chains,omitempty"`
	ConfigUpdated      bool          `json:"config_updated"`
	DryRun             bool          `json:"dry_run"`
	SaveError          string        `json:"save_error,omitempty"`
}
