// Package wallet assembles the key store, token list, balance managers,
// aggregator and sync coordinator of one hardware-backed wallet.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"walletsync/pkg/aggregator"
	"walletsync/pkg/feed"
	"walletsync/pkg/keys"
	"walletsync/pkg/models"
	"walletsync/pkg/registry"
	"walletsync/pkg/syncer"
	"walletsync/pkg/tokenlist"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Provisioner is the wallet's key provisioning service.
type Provisioner interface {
	keys.Provisioner
	IdentitySeed() []byte
	SeedKeys() []models.KeyEntry
}

// Storage persists wallet state across restarts.
type Storage interface {
	LoadTokenList(id models.WalletIdentity) (*models.TokenListState, error)
	SaveTokenList(id models.WalletIdentity, state models.TokenListState) error
	LoadKeys(id models.WalletIdentity) ([]models.KeyEntry, error)
	SaveKeys(id models.WalletIdentity, entries []models.KeyEntry) error
	LoadWallet(id models.WalletIdentity) (*models.WalletRecord, error)
	SaveWallet(id models.WalletIdentity, record models.WalletRecord) error
}

type Deps struct {
	Provisioner Provisioner
	Storage     Storage
	Transport   syncer.Transport
	// NewFactory overrides the ChainFactory built from Config.Chains.
	NewFactory func(ks *keys.KeyStore) registry.ManagerFactory
}

type Config struct {
	Name    string
	CardIDs []string
	Chains  []Chain
	// DefaultTokens seed the list of a wallet seen for the first time.
	DefaultTokens []models.TokenEntry
	// PersistentTokens are added back on every start.
	PersistentTokens []models.TokenEntry
	ReadOnly         bool
	Currency         string

	FetchTimeout      time.Duration
	RefreshInterval   time.Duration
	AggregateDebounce time.Duration
	Sync              syncer.Config
}

type Wallet struct {
	id     models.WalletIdentity
	cfg    Config
	deps   Deps
	chains map[string]Chain

	keys     *keys.KeyStore
	factory  registry.ManagerFactory
	tokens   *tokenlist.Store
	registry *registry.Registry
	agg      *aggregator.Aggregator
	sync     *syncer.Coordinator

	mu     sync.Mutex
	record models.WalletRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a wallet. It fails only when the identity cannot be derived;
// every other problem is logged and reflected in the wallet state.
func New(ctx context.Context, deps Deps, cfg Config) (*Wallet, error) {
	if deps.Provisioner == nil {
		return nil, fmt.Errorf("%w: no key provisioner", models.ErrInvalidIdentitySeed)
	}
	id, err := keys.NewIdentity(deps.Provisioner.IdentitySeed())
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		chains: make(map[string]Chain, len(cfg.Chains)),
	}
	for _, c := range cfg.Chains {
		w.chains[strings.ToLower(c.Name)] = c
	}
	logger := log.WithField("wallet", id.Short())

	w.keys = keys.NewKeyStore(w.loadKeys())
	if deps.Storage != nil {
		w.keys.OnChange(func(entries []models.KeyEntry) {
			if err := deps.Storage.SaveKeys(id, entries); err != nil {
				logger.WithError(err).Error("failed to persist keys")
			}
		})
	}
	w.keys.Merge(deps.Provisioner.SeedKeys())

	w.record = w.loadRecord()

	initial, fresh := w.loadTokenList()
	if cfg.ReadOnly {
		w.tokens = tokenlist.NewLocked(id)
	} else {
		var persister tokenlist.Persister
		if deps.Storage != nil {
			persister = deps.Storage
		}
		w.tokens = tokenlist.New(id, initial, persister)
	}
	w.derive(ctx)

	if deps.NewFactory != nil {
		w.factory = deps.NewFactory(w.keys)
	} else {
		w.factory = NewChainFactory(cfg.Chains, w.keys)
	}
	w.agg = aggregator.New(aggregator.Options{
		Debounce: cfg.AggregateDebounce,
		Currency: cfg.Currency,
	})
	w.registry = registry.New(w.factory, w.agg, registry.Options{
		FetchTimeout:    cfg.FetchTimeout,
		RefreshInterval: cfg.RefreshInterval,
	})
	w.sync = syncer.New(w.tokens, deps.Transport, cfg.Sync)
	w.sync.OnSettled(func(remoteEmpty bool) {
		w.seedTokens(fresh && remoteEmpty)
	})

	logger.WithFields(log.Fields{
		"name":   w.record.Name,
		"tokens": len(w.tokens.CurrentState().Entries),
	}).Info("wallet ready")
	return w, nil
}

// seedTokens adds the persistent tokens and, for a wallet the remote store
// has never seen, the default ones. It runs once the token list has been
// reconciled with the remote store so defaults never replace a remote list.
func (w *Wallet) seedTokens(withDefaults bool) {
	seed := w.cfg.PersistentTokens
	if withDefaults {
		seed = append(append([]models.TokenEntry(nil), w.cfg.DefaultTokens...), w.cfg.PersistentTokens...)
	}
	for _, e := range seed {
		if _, _, err := w.tokens.Apply(tokenlist.Add(e)); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"wallet": w.id.Short(),
				"token":  e.ID(),
			}).Warn("skipping default token")
		}
	}
}

func (w *Wallet) loadKeys() []models.KeyEntry {
	if w.deps.Storage == nil {
		return nil
	}
	entries, err := w.deps.Storage.LoadKeys(w.id)
	if err != nil {
		log.WithError(err).Warn("failed to load stored keys")
	}
	return entries
}

func (w *Wallet) loadRecord() models.WalletRecord {
	rec := models.WalletRecord{Name: w.cfg.Name}
	if w.deps.Storage != nil {
		stored, err := w.deps.Storage.LoadWallet(w.id)
		if err != nil {
			log.WithError(err).Warn("failed to load wallet record")
		}
		if stored != nil {
			rec = *stored
		}
	}
	if rec.Name == "" {
		rec.Name = w.cfg.Name
	}
	rec.CardIDs = mergeCardIDs(rec.CardIDs, w.cfg.CardIDs)
	return rec
}

// loadTokenList returns the persisted list and whether none was found.
func (w *Wallet) loadTokenList() (*models.TokenListState, bool) {
	if w.deps.Storage == nil {
		return nil, true
	}
	state, err := w.deps.Storage.LoadTokenList(w.id)
	if err != nil {
		log.WithError(err).Warn("failed to load stored token list")
		return nil, true
	}
	return state, state == nil
}

// derive requests the derivation path of every configured chain.
func (w *Wallet) derive(ctx context.Context) {
	paths := make(map[models.Curve][]string)
	for _, c := range w.cfg.Chains {
		if c.DerivationPath != "" {
			paths[c.Curve] = append(paths[c.Curve], c.DerivationPath)
		}
	}
	for curve, p := range paths {
		if _, ok := w.keys.Entry(curve); !ok {
			continue
		}
		err := w.keys.Derive(ctx, w.deps.Provisioner, curve, p)
		if err != nil && !errors.Is(err, models.ErrDerivationUnsupported) {
			log.WithField("curve", curve).WithError(err).Warn("key derivation failed")
		}
	}
}

// Start runs the balance managers and the sync coordinator until Close.
func (w *Wallet) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	sub := w.tokens.Subscribe()
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		defer sub.Close()
		w.registry.Run(ctx, sub)
	}()
	go func() {
		defer w.wg.Done()
		w.sync.Run(ctx)
	}()
}

// Close stops every background task and ends all subscriptions.
func (w *Wallet) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.registry.Close()
	w.agg.Close()
	w.sync.Close()
	w.tokens.Close()
}

func (w *Wallet) Identity() models.WalletIdentity {
	return w.id
}

func (w *Wallet) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record.Name
}

func (w *Wallet) CardIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.record.CardIDs...)
}

// AddToken derives the key of the entry's chain if needed and adds the entry.
func (w *Wallet) AddToken(ctx context.Context, entry models.TokenEntry) (models.TokenListState, error) {
	if err := entry.Validate(); err != nil {
		return w.tokens.CurrentState(), err
	}
	chain, ok := w.chains[entry.ID().Chain]
	if !ok {
		return w.tokens.CurrentState(), fmt.Errorf("%w: %s", models.ErrUnsupportedChain, entry.Chain)
	}
	if chain.DerivationPath != "" {
		err := w.keys.Derive(ctx, w.deps.Provisioner, chain.Curve, []string{chain.DerivationPath})
		switch {
		case err == nil, errors.Is(err, models.ErrDerivationUnsupported):
		case errors.Is(err, models.ErrNoKeyForCurve):
			return w.tokens.CurrentState(), err
		default:
			return w.tokens.CurrentState(), fmt.Errorf("deriving %s key: %w", chain.Name, err)
		}
	}

	state, _, err := w.tokens.Apply(tokenlist.Add(entry))
	return state, err
}

func (w *Wallet) RemoveToken(id models.TokenID) (models.TokenListState, error) {
	state, _, err := w.tokens.Apply(tokenlist.RemoveID(id))
	return state, err
}

// ReplaceTokens sets the whole token list at once.
func (w *Wallet) ReplaceTokens(entries []models.TokenEntry) (models.TokenListState, error) {
	state, _, err := w.tokens.Apply(tokenlist.ReplaceAll(entries))
	return state, err
}

// RefreshFromRemote pulls the remote list. It returns ErrLocalChangesPending
// while local edits are not uploaded yet.
func (w *Wallet) RefreshFromRemote(ctx context.Context) (bool, error) {
	return w.sync.Pull(ctx)
}

func (w *Wallet) RetrySync() {
	w.sync.Retry()
}

func (w *Wallet) RefreshBalances() {
	w.registry.Refresh()
}

func (w *Wallet) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty wallet name", models.ErrInvalidEntry)
	}
	w.mu.Lock()
	w.record.Name = name
	rec := w.record
	w.mu.Unlock()
	return w.saveRecord(rec)
}

// AddAssociatedCard links another card holding the same wallet.
func (w *Wallet) AddAssociatedCard(cardID string) error {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return fmt.Errorf("%w: empty card id", models.ErrInvalidEntry)
	}
	w.mu.Lock()
	w.record.CardIDs = mergeCardIDs(w.record.CardIDs, []string{cardID})
	rec := w.record
	w.mu.Unlock()
	return w.saveRecord(rec)
}

func (w *Wallet) saveRecord(rec models.WalletRecord) error {
	if w.deps.Storage == nil {
		return nil
	}
	rec.CardIDs = append([]string(nil), rec.CardIDs...)
	return w.deps.Storage.SaveWallet(w.id, rec)
}

func (w *Wallet) Balances() *feed.Subscription[models.AggregateBalance] {
	return w.agg.Subscribe()
}

func (w *Wallet) TokenList() *feed.Subscription[models.TokenListState] {
	return w.tokens.Subscribe()
}

func (w *Wallet) SyncStatus() *feed.Subscription[models.SyncStatus] {
	return w.sync.Subscribe()
}

// Snapshot returns the latest published aggregate.
func (w *Wallet) Snapshot() models.AggregateBalance {
	return w.agg.Snapshot()
}

// PartialTotal computes a best-effort aggregate on demand.
func (w *Wallet) PartialTotal() models.AggregateBalance {
	return w.agg.Compute(aggregator.BestEffort)
}

func (w *Wallet) Tokens() models.TokenListState {
	return w.tokens.CurrentState()
}

func (w *Wallet) Sync() models.SyncStatus {
	return w.sync.Status()
}

func (w *Wallet) SetPrices(prices map[string]decimal.Decimal) {
	w.agg.SetPrices(prices)
}

func (w *Wallet) PriceIDs() []string {
	return w.agg.PriceIDs()
}

func (w *Wallet) Currency() string {
	return w.agg.Currency()
}

// Accounts returns the address used on every configured chain, skipping
// chains whose key is unavailable.
func (w *Wallet) Accounts() map[string]string {
	addr, ok := w.factory.(interface {
		Address(chain string) (string, error)
	})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(w.cfg.Chains))
	for _, c := range w.cfg.Chains {
		a, err := addr.Address(c.Name)
		if err != nil {
			continue
		}
		out[strings.ToLower(c.Name)] = a
	}
	return out
}

func mergeCardIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string(nil), a...), b...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
