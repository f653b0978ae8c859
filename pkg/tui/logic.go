package tui

import (
	"fmt"
	"strconv"
	"strings"

	"walletsync/pkg/models"
	"walletsync/pkg/utils"
	"walletsync/pkg/watcher"

	tea "github.com/charmbracelet/bubbletea"
)

type tokenRow struct {
	id      models.TokenID
	symbol  string
	chain   string
	amount  string
	price   string
	value   string
	state   models.BalanceKind
	problem string
}

// tokenRows renders one row per tracked token in list order.
func (m model) tokenRows() []tokenRow {
	rows := make([]tokenRow, 0, len(m.balance.Tokens))
	for _, tb := range m.balance.Tokens {
		r := tokenRow{
			id:     tb.Entry.ID(),
			symbol: tb.Entry.Symbol,
			chain:  tb.Entry.Chain,
			state:  tb.Balance.Kind,
			price:  "-",
			value:  "-",
		}
		switch tb.Balance.Kind {
		case models.BalanceValue:
			r.amount = m.mask(utils.FormatAmount(tb.Balance.Amount, int32(m.config.TokenDecimals)))
		case models.BalanceFailed:
			r.amount = "error"
			r.problem = tb.Balance.Reason
		default:
			r.amount = "..."
		}
		if tb.Price != nil {
			r.price = utils.FormatDecimal(*tb.Price, int32(m.config.FiatDecimals))
		}
		if tb.Fiat != nil {
			r.value = m.mask(utils.FormatDecimal(*tb.Fiat, int32(m.config.FiatDecimals)))
		}
		rows = append(rows, r)
	}
	return rows
}

// totalLabel describes the aggregate total, marking partial sums.
func (m model) totalLabel() string {
	t := m.balance.Total
	if t.State == models.TotalPending {
		return "calculating..."
	}
	label := fmt.Sprintf("%s %s", m.mask(utils.FormatDecimal(t.Amount, int32(m.config.FiatDecimals))), strings.ToUpper(t.Currency))
	if t.Partial {
		label += " (partial)"
	}
	return label
}

func syncLabel(s models.SyncStatus) string {
	switch s.State {
	case models.SyncClean:
		return fmt.Sprintf("synced v%d", s.LocalVersion)
	case models.SyncDirty:
		return fmt.Sprintf("pending upload v%d", s.LocalVersion)
	case models.SyncUploading:
		return fmt.Sprintf("uploading v%d (attempt %d)", s.LocalVersion, s.Attempts)
	case models.SyncRetryWait:
		return fmt.Sprintf("retrying after %d failed attempts", s.Attempts)
	case models.SyncFailed:
		return "sync failed, press s to retry"
	}
	return string(s.State)
}

// recordTotal appends a resolved total to the history graph.
func (m *model) recordTotal() {
	if m.balance.Total.State != models.TotalValue {
		return
	}
	m.totalHistory = append(m.totalHistory, utils.DecimalToFloat64(m.balance.Total.Amount))
	if len(m.totalHistory) > maxHistory {
		m.totalHistory = m.totalHistory[len(m.totalHistory)-maxHistory:]
	}
}

// selected returns the token under the cursor.
func (m model) selected() (models.TokenEntry, bool) {
	if m.cursor < 0 || m.cursor >= len(m.balance.Tokens) {
		return models.TokenEntry{}, false
	}
	return m.balance.Tokens[m.cursor].Entry, true
}

func (m *model) clampCursor() {
	if m.cursor >= len(m.balance.Tokens) {
		m.cursor = len(m.balance.Tokens) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// tokenFromInputs builds the entry described by the add token form.
func (m model) tokenFromInputs() (models.TokenEntry, error) {
	val := func(i int) string { return strings.TrimSpace(m.tokenInputs[i].Value()) }

	entry := models.TokenEntry{
		Chain:           val(fieldChain),
		ContractAddress: val(fieldContract),
		Symbol:          val(fieldSymbol),
		PriceID:         val(fieldPriceID),
	}
	if entry.Chain == "" {
		return entry, fmt.Errorf("%w: chain is required", models.ErrInvalidEntry)
	}
	if d := val(fieldDecimals); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return entry, fmt.Errorf("%w: decimals must be a number", models.ErrInvalidEntry)
		}
		entry.Decimals = n
	} else if entry.ContractAddress == "" {
		for _, c := range m.chains {
			if strings.EqualFold(c.Name, entry.Chain) {
				entry.Decimals = c.Decimals
				if entry.Symbol == "" {
					entry.Symbol = c.Symbol
				}
				if entry.PriceID == "" {
					entry.PriceID = c.CoinGeckoID
				}
			}
		}
	}
	return entry, entry.Validate()
}

// explorerURL links the wallet's account on the chain of entry.
func (m model) explorerURL(entry models.TokenEntry) (string, bool) {
	account, ok := m.accounts[entry.ID().Chain]
	if !ok {
		return "", false
	}
	for _, c := range m.chains {
		if strings.EqualFold(c.Name, entry.Chain) && c.ExplorerURL != "" {
			return fmt.Sprintf("%s/address/%s", strings.TrimRight(c.ExplorerURL, "/"), account), true
		}
	}
	return "", false
}

func listenForWatcher(sub watcher.Subscriber) tea.Cmd {
	return func() tea.Msg {
		return <-sub
	}
}
