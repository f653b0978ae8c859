package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walletsync/pkg/feed"
	"walletsync/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPriceSource struct {
	mock.Mock
}

func (m *MockPriceSource) Prices(ctx context.Context, ids []string, currency string) (map[string]decimal.Decimal, error) {
	args := m.Called(ids, currency)
	prices, _ := args.Get(0).(map[string]decimal.Decimal)
	return prices, args.Error(1)
}

type fakeWallet struct {
	balances *feed.Feed[models.AggregateBalance]
	tokens   *feed.Feed[models.TokenListState]
	status   *feed.Feed[models.SyncStatus]

	mu     sync.Mutex
	ids    []string
	prices map[string]decimal.Decimal
}

func newFakeWallet(ids ...string) *fakeWallet {
	return &fakeWallet{
		balances: feed.New[models.AggregateBalance](),
		tokens:   feed.New[models.TokenListState](),
		status:   feed.New[models.SyncStatus](),
		ids:      ids,
		prices:   make(map[string]decimal.Decimal),
	}
}

func (f *fakeWallet) Balances() *feed.Subscription[models.AggregateBalance] {
	return f.balances.Subscribe()
}

func (f *fakeWallet) TokenList() *feed.Subscription[models.TokenListState] {
	return f.tokens.Subscribe()
}

func (f *fakeWallet) SyncStatus() *feed.Subscription[models.SyncStatus] {
	return f.status.Subscribe()
}

func (f *fakeWallet) PriceIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeWallet) Currency() string { return "usd" }

func (f *fakeWallet) SetPrices(prices map[string]decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range prices {
		f.prices[k] = v
	}
}

func (f *fakeWallet) price(id string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[id]
	return p, ok
}

func TestSubscribeUnsubscribe(t *testing.T) {
	w := NewWatcher(newFakeWallet(), new(MockPriceSource), time.Minute)
	sub := w.Subscribe()
	assert.NotNil(t, sub)

	w.mu.RLock()
	assert.Equal(t, 1, len(w.subscribers))
	w.mu.RUnlock()

	w.Unsubscribe(sub)
	w.mu.RLock()
	assert.Equal(t, 0, len(w.subscribers))
	w.mu.RUnlock()

	_, ok := <-sub
	assert.False(t, ok)
}

func TestFetchPrices(t *testing.T) {
	wallet := newFakeWallet("ethereum", "solana")
	src := new(MockPriceSource)
	src.On("Prices", []string{"ethereum", "solana"}, "usd").Return(map[string]decimal.Decimal{
		"ethereum": decimal.NewFromInt(2000),
		"solana":   decimal.NewFromInt(150),
	}, nil)

	w := NewWatcher(wallet, src, time.Minute)
	sub := w.Subscribe()

	require.NoError(t, w.fetchPrices(context.Background()))
	src.AssertExpectations(t)

	p, ok := wallet.price("ethereum")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(2000)))
	assert.True(t, w.GetPrices()["solana"].Equal(decimal.NewFromInt(150)))

	select {
	case ev := <-sub:
		assert.Equal(t, EventPriceUpdated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no price event")
	}
}

func TestFetchPricesInBatches(t *testing.T) {
	wallet := newFakeWallet("a", "b", "c")
	src := new(MockPriceSource)
	src.On("Prices", []string{"a", "b"}, "usd").Return(map[string]decimal.Decimal{
		"a": decimal.NewFromInt(1),
		"b": decimal.NewFromInt(2),
	}, nil)
	src.On("Prices", []string{"c"}, "usd").Return(nil, errors.New("rate limited"))

	w := NewWatcher(wallet, src, time.Minute)
	w.batchSize = 2

	err := w.fetchPrices(context.Background())
	require.Error(t, err)
	src.AssertNumberOfCalls(t, "Prices", 2)

	_, ok := wallet.price("b")
	assert.True(t, ok, "successful batches are applied")
	_, ok = wallet.price("c")
	assert.False(t, ok)
}

func TestNoPriceIDsSkipsFetch(t *testing.T) {
	src := new(MockPriceSource)
	w := NewWatcher(newFakeWallet(), src, time.Minute)
	require.NoError(t, w.fetchPrices(context.Background()))
	src.AssertNotCalled(t, "Prices", mock.Anything, mock.Anything)
}

func TestStartForwardsWalletStreams(t *testing.T) {
	wallet := newFakeWallet("ethereum")
	src := new(MockPriceSource)
	src.On("Prices", mock.Anything, "usd").Return(map[string]decimal.Decimal{
		"ethereum": decimal.NewFromInt(2000),
	}, nil).Maybe()

	w := NewWatcher(wallet, src, time.Hour)
	sub := w.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	wallet.tokens.Publish(models.TokenListState{Version: 3})
	wallet.status.Publish(models.SyncStatus{State: models.SyncDirty})
	wallet.balances.Publish(models.AggregateBalance{Version: 3})

	seen := make(map[EventType]bool)
	timeout := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}

	assert.Eventually(t, func() bool {
		_, ok := wallet.price("ethereum")
		return ok
	}, time.Second, 10*time.Millisecond, "a token list change triggers a price fetch")
}

func TestStopIsIdempotent(t *testing.T) {
	w := NewWatcher(newFakeWallet(), new(MockPriceSource), time.Hour)
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
