// Package aggregator merges per-token balances and prices into one
// AggregateBalance snapshot.
package aggregator

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Mode selects how pending and failed entries affect the total.
type Mode int

const (
	// Strict reports a pending total while any entry is pending.
	Strict Mode = iota
	// BestEffort sums what is known and marks the total partial.
	BestEffort
)

type Options struct {
	Debounce time.Duration
	Currency string
}

// Aggregator recomputes the aggregate on every balance, entry or price change.
// Bursts of changes within Debounce are published as one snapshot.
type Aggregator struct {
	mu       sync.Mutex
	version  uint64
	entries  []models.TokenEntry
	balances map[models.TokenID]models.BalanceState
	prices   map[string]decimal.Decimal
	currency string
	debounce time.Duration
	timer    *time.Timer
	closed   bool

	snapshot atomic.Pointer[models.AggregateBalance]
	feed     *feed.Feed[models.AggregateBalance]
}

func New(opts Options) *Aggregator {
	currency := strings.ToLower(opts.Currency)
	if currency == "" {
		currency = "usd"
	}
	a := &Aggregator{
		balances: make(map[models.TokenID]models.BalanceState),
		prices:   make(map[string]decimal.Decimal),
		currency: currency,
		debounce: opts.Debounce,
		feed:     feed.New[models.AggregateBalance](),
	}
	a.mu.Lock()
	a.publishLocked()
	a.mu.Unlock()
	return a
}

// SetEntries replaces the tracked entry set. New or changed entries start
// pending and balances of removed entries are dropped.
func (a *Aggregator) SetEntries(version uint64, entries []models.TokenEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[models.TokenID]models.BalanceState, len(entries))
	prev := make(map[models.TokenID]models.TokenEntry, len(a.entries))
	for _, e := range a.entries {
		prev[e.ID()] = e
	}
	for _, e := range entries {
		id := e.ID()
		if old, ok := prev[id]; ok && old == e {
			if st, ok := a.balances[id]; ok {
				next[id] = st
				continue
			}
		}
		next[id] = models.Pending()
	}

	a.version = version
	a.entries = append([]models.TokenEntry(nil), entries...)
	models.SortEntries(a.entries)
	a.balances = next
	a.scheduleLocked()
}

// Update records the balance of id. Unknown ids are ignored.
func (a *Aggregator) Update(id models.TokenID, state models.BalanceState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.balances[id]; !ok {
		log.WithField("token", id).Debug("ignoring balance of untracked token")
		return
	}
	a.balances[id] = state
	a.scheduleLocked()
}

// SetPrices merges prices keyed by price id.
func (a *Aggregator) SetPrices(prices map[string]decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, p := range prices {
		a.prices[id] = p
	}
	a.scheduleLocked()
}

// PriceIDs returns the distinct price ids of the tracked entries.
func (a *Aggregator) PriceIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, e := range a.entries {
		if e.PriceID == "" || seen[e.PriceID] {
			continue
		}
		seen[e.PriceID] = true
		ids = append(ids, e.PriceID)
	}
	return ids
}

func (a *Aggregator) Currency() string {
	return a.currency
}

// Snapshot returns the last published aggregate without locking.
func (a *Aggregator) Snapshot() models.AggregateBalance {
	return *a.snapshot.Load()
}

// Subscribe returns a subscription to published aggregates.
func (a *Aggregator) Subscribe() *feed.Subscription[models.AggregateBalance] {
	return a.feed.Subscribe()
}

// Compute builds an aggregate from the current state without publishing it.
func (a *Aggregator) Compute(mode Mode) models.AggregateBalance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.computeLocked(mode)
}

// Flush publishes pending changes immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.publishLocked()
}

func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.feed.Close()
}

// scheduleLocked publishes once the debounce window started by the first
// change of a burst has elapsed.
func (a *Aggregator) scheduleLocked() {
	if a.closed {
		return
	}
	if a.debounce <= 0 {
		a.publishLocked()
		return
	}
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(a.debounce, a.fire)
}

func (a *Aggregator) fire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.timer == nil {
		return
	}
	a.timer = nil
	a.publishLocked()
}

func (a *Aggregator) publishLocked() {
	snap := a.computeLocked(Strict)
	a.snapshot.Store(&snap)
	a.feed.Publish(snap)
	log.WithFields(log.Fields{
		"version": snap.Version,
		"total":   snap.Total.State,
		"tokens":  len(snap.Tokens),
	}).Debug("aggregate published")
}

func (a *Aggregator) computeLocked(mode Mode) models.AggregateBalance {
	agg := models.AggregateBalance{
		Version:    a.version,
		Tokens:     make([]models.TokenBalance, 0, len(a.entries)),
		ComputedAt: time.Now(),
	}

	sum := decimal.Zero
	pending, excluded := false, false
	for _, e := range a.entries {
		id := e.ID()
		tb := models.TokenBalance{Entry: e, Balance: a.balances[id]}
		if p, ok := a.prices[e.PriceID]; ok && e.PriceID != "" {
			price := p
			tb.Price = &price
		}

		switch tb.Balance.Kind {
		case models.BalanceValue:
			if tb.Price == nil {
				agg.Unpriced = append(agg.Unpriced, id)
				// a held amount without a price leaves the total short
				if !tb.Balance.Amount.IsZero() {
					excluded = true
				}
				break
			}
			fiat := tb.Balance.Amount.Mul(*tb.Price)
			tb.Fiat = &fiat
			sum = sum.Add(fiat)
		case models.BalanceFailed:
			excluded = true
		default:
			pending = true
		}
		agg.Tokens = append(agg.Tokens, tb)
	}

	agg.Total = models.Total{Currency: a.currency, Amount: sum, State: models.TotalValue}
	switch {
	case pending && mode == Strict:
		agg.Total.State = models.TotalPending
		agg.Total.Amount = decimal.Zero
	case pending:
		agg.Total.Partial = true
	case excluded:
		agg.Total.Partial = true
	}
	return agg
}
