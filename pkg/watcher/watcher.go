package watcher

import (
	"context"
	"sync"
	"time"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultBatchSize = 50

// PriceSource fetches fiat prices for a set of price ids.
type PriceSource interface {
	Prices(ctx context.Context, ids []string, currency string) (map[string]decimal.Decimal, error)
}

// Wallet is the part of a wallet the watcher observes.
type Wallet interface {
	Balances() *feed.Subscription[models.AggregateBalance]
	TokenList() *feed.Subscription[models.TokenListState]
	SyncStatus() *feed.Subscription[models.SyncStatus]
	PriceIDs() []string
	Currency() string
	SetPrices(prices map[string]decimal.Decimal)
}

// Watcher forwards wallet streams to subscribers and keeps prices fresh.
type Watcher struct {
	wallet    Wallet
	source    PriceSource
	interval  time.Duration
	batchSize int

	prices      map[string]decimal.Decimal
	subscribers []Subscriber
	mu          sync.RWMutex

	refresh  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a new Watcher instance polling prices every interval.
func NewWatcher(wallet Wallet, source PriceSource, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		wallet:    wallet,
		source:    source,
		interval:  interval,
		batchSize: defaultBatchSize,
		prices:    make(map[string]decimal.Decimal),
		refresh:   make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Subscribe adds a new subscriber and returns a channel to receive events.
func (w *Watcher) Subscribe() Subscriber {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(Subscriber, 100)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber.
func (w *Watcher) Unsubscribe(ch Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, sub := range w.subscribers {
		if sub == ch {
			w.subscribers = append(w.subscribers[:i], w.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (w *Watcher) notify(event Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, sub := range w.subscribers {
		select {
		case sub <- event:
		default:
			// slow subscriber, it reads the next snapshot instead
		}
	}
}

// Start forwards wallet streams and begins polling prices.
func (w *Watcher) Start(ctx context.Context) {
	balances := w.wallet.Balances()
	tokens := w.wallet.TokenList()
	status := w.wallet.SyncStatus()

	w.wg.Add(4)
	go forward(w, balances, EventBalanceUpdated, nil)
	go forward(w, tokens, EventTokenListUpdated, func(models.TokenListState) { w.RefreshPrices() })
	go forward(w, status, EventSyncUpdated, nil)
	go w.pricingLoop(ctx)
}

// Stop stops the watcher loops and waits for them to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// RefreshPrices requests an immediate price fetch.
func (w *Watcher) RefreshPrices() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

func forward[T any](w *Watcher, sub *feed.Subscription[T], typ EventType, after func(T)) {
	defer w.wg.Done()
	defer sub.Close()
	for {
		select {
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			w.notify(Event{Type: typ, Data: v})
			if after != nil {
				after(v)
			}
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pricingLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-w.refresh:
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
		if err := w.fetchPrices(ctx); err != nil {
			log.WithError(err).Warn("price update failed")
		}
	}
}

// fetchPrices queries every price id of the wallet in concurrent batches.
// Prices of successful batches are applied even when another batch fails.
func (w *Watcher) fetchPrices(ctx context.Context) error {
	ids := w.wallet.PriceIDs()
	if len(ids) == 0 {
		return nil
	}
	currency := w.wallet.Currency()

	src := w.source
	var (
		mu      sync.Mutex
		fetched = make(map[string]decimal.Decimal, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(ids); start += w.batchSize {
		end := start + w.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		g.Go(func() error {
			prices, err := src.Prices(gctx, batch, currency)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, p := range prices {
				fetched[id] = p
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if len(fetched) > 0 {
		w.mu.Lock()
		for id, p := range fetched {
			w.prices[id] = p
		}
		w.mu.Unlock()
		w.wallet.SetPrices(fetched)
		w.notify(Event{Type: EventPriceUpdated, Data: w.GetPrices()})
		log.WithFields(log.Fields{"currency": currency, "prices": len(fetched)}).Debug("prices updated")
	}
	return err
}

// GetPrices returns the current prices.
func (w *Watcher) GetPrices() map[string]decimal.Decimal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cp := make(map[string]decimal.Decimal, len(w.prices))
	for k, v := range w.prices {
		cp[k] = v
	}
	return cp
}
