package tui

import (
	"context"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
)

// Version is set by Start()
var Version = "dev"

const maxHistory = 2880

// Wallet is the wallet surface driven by the dashboard.
type Wallet interface {
	Identity() models.WalletIdentity
	Name() string
	Accounts() map[string]string
	Tokens() models.TokenListState
	Snapshot() models.AggregateBalance
	Sync() models.SyncStatus
	AddToken(ctx context.Context, entry models.TokenEntry) (models.TokenListState, error)
	RemoveToken(id models.TokenID) (models.TokenListState, error)
	RefreshBalances()
	RefreshFromRemote(ctx context.Context) (bool, error)
	RetrySync()
}

// TokenFinder looks up symbol and decimals of a contract.
type TokenFinder interface {
	FindToken(ctx context.Context, chain, contract string) (models.TokenEntry, error)
}

// --- Messages ---

type clearStatusMsg struct{}
type uiTickMsg time.Time
type privacyTimeoutMsg struct{}

type tokenFoundMsg struct {
	entry models.TokenEntry
	err   error
}

type actionMsg struct {
	status string
	err    error
}

// Token form fields.
const (
	fieldChain = iota
	fieldContract
	fieldSymbol
	fieldDecimals
	fieldPriceID
	fieldCount
)

// --- Model ---

type model struct {
	wallet Wallet
	finder TokenFinder
	sub    watcher.Subscriber

	chains []config.ChainConfig
	config config.GlobalConfig

	tokens   models.TokenListState
	balance  models.AggregateBalance
	sync     models.SyncStatus
	prices   map[string]decimal.Decimal
	accounts map[string]string

	totalHistory []float64
	cursor       int

	width           int
	height          int
	loading         bool
	lastUpdate      time.Time
	spinner         spinner.Model
	statusMessage   string
	addingToken     bool
	tokenInputs     []textinput.Model
	focusIdx        int
	showGraph       bool
	showHelp        bool
	privacyMode     bool
	lastInteraction time.Time
}

func initialModel(w Wallet, sub watcher.Subscriber, chains []config.ChainConfig, globalCfg config.GlobalConfig) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	tis := make([]textinput.Model, fieldCount)
	for i := range tis {
		tis[i] = textinput.New()
		tis[i].Width = 50
	}
	tis[fieldChain].Placeholder = "Chain (e.g. Ethereum)"
	tis[fieldContract].Placeholder = "Contract address (empty for the native coin)"
	tis[fieldSymbol].Placeholder = "Symbol (e.g. USDC)"
	tis[fieldDecimals].Placeholder = "Decimals (e.g. 6)"
	tis[fieldPriceID].Placeholder = "CoinGecko ID (e.g. usd-coin)"

	return model{
		wallet:          w,
		sub:             sub,
		chains:          chains,
		config:          globalCfg,
		tokens:          w.Tokens(),
		balance:         w.Snapshot(),
		sync:            w.Sync(),
		accounts:        w.Accounts(),
		prices:          make(map[string]decimal.Decimal),
		loading:         true,
		spinner:         s,
		tokenInputs:     tis,
		lastInteraction: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{listenForWatcher(m.sub), m.spinner.Tick}

	if !m.privacyMode && m.config.PrivacyTimeoutSeconds > 0 {
		cmds = append(cmds, tea.Tick(time.Duration(m.config.PrivacyTimeoutSeconds)*time.Second, func(t time.Time) tea.Msg {
			return privacyTimeoutMsg{}
		}))
	}
	cmds = append(cmds, tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }))
	return tea.Batch(cmds...)
}
