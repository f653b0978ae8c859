package tui

import (
	"context"
	"testing"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	eth  = models.TokenEntry{Chain: "Ethereum", Decimals: 18, Symbol: "ETH", PriceID: "ethereum"}
	usdc = models.TokenEntry{Chain: "Ethereum", ContractAddress: "0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6, Symbol: "USDC"}
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testModel() model {
	tis := make([]textinput.Model, fieldCount)
	for i := range tis {
		tis[i] = textinput.New()
	}
	return model{
		chains: []config.ChainConfig{
			{Name: "Ethereum", Symbol: "ETH", Decimals: 18, CoinGeckoID: "ethereum", ExplorerURL: "https://etherscan.io/"},
			{Name: "Solana", Symbol: "SOL", Decimals: 9, CoinGeckoID: "solana"},
		},
		config:      config.GlobalConfig{FiatDecimals: 2, TokenDecimals: 4},
		accounts:    map[string]string{"ethereum": "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"},
		tokenInputs: tis,
	}
}

func TestTokenRows(t *testing.T) {
	m := testModel()
	m.balance = models.AggregateBalance{
		Tokens: []models.TokenBalance{
			{Entry: eth, Balance: models.Value(decimal.RequireFromString("1.23456789"), time.Now()), Price: dec("2000"), Fiat: dec("2469.13578")},
			{Entry: usdc, Balance: models.Failed("timeout")},
			{Entry: models.TokenEntry{Chain: "Solana", Decimals: 9, Symbol: "SOL"}, Balance: models.Pending()},
		},
	}

	rows := m.tokenRows()
	require.Len(t, rows, 3)
	assert.Equal(t, "1.2346", rows[0].amount)
	assert.Equal(t, "2,000.00", rows[0].price)
	assert.Equal(t, "2,469.14", rows[0].value)
	assert.Equal(t, models.BalanceValue, rows[0].state)

	assert.Equal(t, "error", rows[1].amount)
	assert.Equal(t, "timeout", rows[1].problem)
	assert.Equal(t, "-", rows[1].value)

	assert.Equal(t, "...", rows[2].amount)
	assert.Equal(t, models.BalancePending, rows[2].state)

	m.privacyMode = true
	rows = m.tokenRows()
	assert.Equal(t, "****", rows[0].amount)
	assert.Equal(t, "****", rows[0].value)
	assert.Equal(t, "2,000.00", rows[0].price)
}

func TestTotalLabel(t *testing.T) {
	m := testModel()
	m.balance.Total = models.Total{State: models.TotalPending, Currency: "usd"}
	assert.Equal(t, "calculating...", m.totalLabel())

	m.balance.Total = models.Total{State: models.TotalValue, Amount: decimal.RequireFromString("12345.678"), Currency: "usd"}
	assert.Equal(t, "12,345.68 USD", m.totalLabel())

	m.balance.Total.Partial = true
	assert.Equal(t, "12,345.68 USD (partial)", m.totalLabel())

	m.privacyMode = true
	assert.Equal(t, "**** USD (partial)", m.totalLabel())
}

func TestSyncLabel(t *testing.T) {
	tests := []struct {
		status models.SyncStatus
		want   string
	}{
		{models.SyncStatus{State: models.SyncClean, LocalVersion: 3}, "synced v3"},
		{models.SyncStatus{State: models.SyncDirty, LocalVersion: 4}, "pending upload v4"},
		{models.SyncStatus{State: models.SyncUploading, LocalVersion: 4, Attempts: 2}, "uploading v4 (attempt 2)"},
		{models.SyncStatus{State: models.SyncRetryWait, Attempts: 3}, "retrying after 3 failed attempts"},
		{models.SyncStatus{State: models.SyncFailed}, "sync failed, press s to retry"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, syncLabel(tt.status))
	}
}

func TestRecordTotal(t *testing.T) {
	m := testModel()
	m.balance.Total = models.Total{State: models.TotalPending}
	m.recordTotal()
	assert.Empty(t, m.totalHistory)

	m.balance.Total = models.Total{State: models.TotalValue, Amount: decimal.NewFromInt(10)}
	for i := 0; i < maxHistory+5; i++ {
		m.recordTotal()
	}
	assert.Len(t, m.totalHistory, maxHistory)
	assert.Equal(t, 10.0, m.totalHistory[0])
}

func TestTokenFromInputs(t *testing.T) {
	t.Run("native defaults from chain", func(t *testing.T) {
		m := testModel()
		m.tokenInputs[fieldChain].SetValue(" solana ")
		entry, err := m.tokenFromInputs()
		require.NoError(t, err)
		assert.Equal(t, models.TokenEntry{Chain: "solana", Decimals: 9, Symbol: "SOL", PriceID: "solana"}, entry)
	})

	t.Run("contract token", func(t *testing.T) {
		m := testModel()
		m.tokenInputs[fieldChain].SetValue("Ethereum")
		m.tokenInputs[fieldContract].SetValue(usdc.ContractAddress)
		m.tokenInputs[fieldSymbol].SetValue("USDC")
		m.tokenInputs[fieldDecimals].SetValue("6")
		entry, err := m.tokenFromInputs()
		require.NoError(t, err)
		assert.Equal(t, usdc, entry)
	})

	t.Run("missing chain", func(t *testing.T) {
		_, err := testModel().tokenFromInputs()
		assert.ErrorIs(t, err, models.ErrInvalidEntry)
	})

	t.Run("bad decimals", func(t *testing.T) {
		m := testModel()
		m.tokenInputs[fieldChain].SetValue("Ethereum")
		m.tokenInputs[fieldSymbol].SetValue("X")
		m.tokenInputs[fieldDecimals].SetValue("six")
		_, err := m.tokenFromInputs()
		assert.ErrorIs(t, err, models.ErrInvalidEntry)
	})

	t.Run("contract without symbol", func(t *testing.T) {
		m := testModel()
		m.tokenInputs[fieldChain].SetValue("Ethereum")
		m.tokenInputs[fieldContract].SetValue(usdc.ContractAddress)
		_, err := m.tokenFromInputs()
		assert.ErrorIs(t, err, models.ErrInvalidEntry)
	})
}

func TestExplorerURL(t *testing.T) {
	m := testModel()
	url, ok := m.explorerURL(usdc)
	assert.True(t, ok)
	assert.Equal(t, "https://etherscan.io/address/0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", url)

	_, ok = m.explorerURL(models.TokenEntry{Chain: "Solana", Symbol: "SOL"})
	assert.False(t, ok)
}

func TestSelectedAndClamp(t *testing.T) {
	m := testModel()
	_, ok := m.selected()
	assert.False(t, ok)

	m.balance.Tokens = []models.TokenBalance{{Entry: eth}, {Entry: usdc}}
	m.cursor = 5
	m.clampCursor()
	assert.Equal(t, 1, m.cursor)
	entry, ok := m.selected()
	require.True(t, ok)
	assert.Equal(t, "USDC", entry.Symbol)

	m.balance.Tokens = nil
	m.clampCursor()
	assert.Equal(t, 0, m.cursor)
}

type fakeWallet struct {
	removed []models.TokenID
	added   []models.TokenEntry
	retries int
}

func (f *fakeWallet) Identity() models.WalletIdentity   { return "0123456789abcdef" }
func (f *fakeWallet) Name() string                      { return "Main" }
func (f *fakeWallet) Accounts() map[string]string       { return nil }
func (f *fakeWallet) Tokens() models.TokenListState     { return models.TokenListState{} }
func (f *fakeWallet) Snapshot() models.AggregateBalance { return models.AggregateBalance{} }
func (f *fakeWallet) Sync() models.SyncStatus           { return models.SyncStatus{State: models.SyncClean} }
func (f *fakeWallet) RefreshBalances()                  {}
func (f *fakeWallet) RetrySync()                        { f.retries++ }

func (f *fakeWallet) AddToken(_ context.Context, e models.TokenEntry) (models.TokenListState, error) {
	f.added = append(f.added, e)
	return models.TokenListState{Entries: []models.TokenEntry{e}}, nil
}

func (f *fakeWallet) RemoveToken(id models.TokenID) (models.TokenListState, error) {
	f.removed = append(f.removed, id)
	return models.TokenListState{}, nil
}

func (f *fakeWallet) RefreshFromRemote(context.Context) (bool, error) {
	return false, models.ErrLocalChangesPending
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestUpdateAppliesEvents(t *testing.T) {
	w := &fakeWallet{}
	m := initialModel(w, make(watcher.Subscriber, 1), nil, config.GlobalConfig{})

	snap := models.AggregateBalance{
		Tokens: []models.TokenBalance{{Entry: eth, Balance: models.Value(decimal.NewFromInt(2), time.Now())}},
		Total:  models.Total{State: models.TotalValue, Amount: decimal.NewFromInt(4000), Currency: "usd"},
	}
	next, cmd := m.Update(watcher.Event{Type: watcher.EventBalanceUpdated, Data: snap})
	assert.NotNil(t, cmd)
	m = next.(model)
	assert.False(t, m.loading)
	assert.Len(t, m.balance.Tokens, 1)
	assert.Equal(t, []float64{4000}, m.totalHistory)

	next, _ = m.Update(watcher.Event{Type: watcher.EventSyncUpdated, Data: models.SyncStatus{State: models.SyncFailed}})
	m = next.(model)
	assert.Equal(t, models.SyncFailed, m.sync.State)

	next, _ = m.Update(watcher.Event{Type: watcher.EventPriceUpdated, Data: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(2000)}})
	m = next.(model)
	assert.Contains(t, m.prices, "ethereum")
}

func TestUpdateKeys(t *testing.T) {
	w := &fakeWallet{}
	m := initialModel(w, make(watcher.Subscriber), nil, config.GlobalConfig{})
	m.balance.Tokens = []models.TokenBalance{{Entry: eth}, {Entry: usdc}}

	next, _ := m.Update(key("j"))
	m = next.(model)
	assert.Equal(t, 1, m.cursor)

	next, _ = m.Update(key("d"))
	m = next.(model)
	require.Len(t, w.removed, 1)
	assert.Equal(t, usdc.ID(), w.removed[0])

	next, _ = m.Update(key("s"))
	m = next.(model)
	assert.Equal(t, 1, w.retries)

	next, _ = m.Update(key("P"))
	m = next.(model)
	assert.True(t, m.privacyMode)

	next, _ = m.Update(key("a"))
	m = next.(model)
	assert.True(t, m.addingToken)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)
	assert.False(t, m.addingToken)
}

func TestTokenFormSubmit(t *testing.T) {
	w := &fakeWallet{}
	m := initialModel(w, make(watcher.Subscriber), []config.ChainConfig{{Name: "Ethereum", Symbol: "ETH", Decimals: 18, CoinGeckoID: "ethereum"}}, config.GlobalConfig{})

	next, _ := m.Update(key("a"))
	m = next.(model)
	m.tokenInputs[fieldChain].SetValue("Ethereum")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	assert.False(t, m.addingToken)
	require.NotNil(t, cmd)

	msg := cmd()
	require.IsType(t, actionMsg{}, msg)
	assert.NoError(t, msg.(actionMsg).err)
	require.Len(t, w.added, 1)
	assert.Equal(t, "ETH", w.added[0].Symbol)

	next, _ = m.Update(msg)
	m = next.(model)
	assert.Equal(t, "Added ETH", m.statusMessage)
}

func TestPullRemoteDeferred(t *testing.T) {
	msg := pullRemote(&fakeWallet{})()
	require.IsType(t, actionMsg{}, msg)
	assert.Equal(t, "Local changes are still uploading", msg.(actionMsg).status)
}
