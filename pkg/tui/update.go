package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
)

const actionTimeout = 15 * time.Second

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tokenFoundMsg:
		if m.addingToken {
			if msg.err != nil {
				m.statusMessage = fmt.Sprintf("Lookup failed: %v", msg.err)
			} else {
				if m.tokenInputs[fieldSymbol].Value() == "" {
					m.tokenInputs[fieldSymbol].SetValue(msg.entry.Symbol)
				}
				if m.tokenInputs[fieldDecimals].Value() == "" {
					m.tokenInputs[fieldDecimals].SetValue(strconv.Itoa(msg.entry.Decimals))
				}
				m.statusMessage = "Token metadata fetched!"
			}
			cmds = append(cmds, clearStatusAfter(2*time.Second))
		}

	case actionMsg:
		if msg.err != nil {
			m.statusMessage = msg.err.Error()
		} else {
			m.statusMessage = msg.status
		}
		cmds = append(cmds, clearStatusAfter(3*time.Second))

	case watcher.Event:
		cmds = append(cmds, listenForWatcher(m.sub))

		switch msg.Type {
		case watcher.EventBalanceUpdated:
			if data, ok := msg.Data.(models.AggregateBalance); ok {
				m.balance = data
				m.loading = data.Total.State == models.TotalPending
				m.recordTotal()
				m.clampCursor()
			}
		case watcher.EventTokenListUpdated:
			if data, ok := msg.Data.(models.TokenListState); ok {
				m.tokens = data
			}
		case watcher.EventSyncUpdated:
			if data, ok := msg.Data.(models.SyncStatus); ok {
				m.sync = data
			}
		case watcher.EventPriceUpdated:
			if data, ok := msg.Data.(map[string]decimal.Decimal); ok {
				m.prices = data
			}
		}
		m.lastUpdate = time.Now()

	case privacyTimeoutMsg:
		if m.config.PrivacyTimeoutSeconds <= 0 {
			break
		}
		timeoutDuration := time.Duration(m.config.PrivacyTimeoutSeconds) * time.Second
		if !m.privacyMode {
			if time.Since(m.lastInteraction) >= timeoutDuration {
				m.privacyMode = true
				m.statusMessage = "Privacy Mode enabled due to inactivity"
				cmds = append(cmds, clearStatusAfter(2*time.Second))
			} else {
				remaining := timeoutDuration - time.Since(m.lastInteraction)
				cmds = append(cmds, tea.Tick(remaining, func(t time.Time) tea.Msg {
					return privacyTimeoutMsg{}
				}))
			}
		}

	case tea.KeyMsg:
		m.lastInteraction = time.Now()
		if m.addingToken {
			return m.updateTokenForm(msg)
		}
		if msg.String() == "?" {
			m.showHelp = !m.showHelp
			return m, nil
		}
		if m.showHelp {
			if msg.String() == "q" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		switch msg.String() {
		case "q", "ctrl+c":
			if m.showGraph {
				m.showGraph = false
				return m, nil
			}
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.balance.Tokens)-1 {
				m.cursor++
			}

		case "a":
			m.addingToken = true
			m.focusIdx = fieldChain
			for i := range m.tokenInputs {
				m.tokenInputs[i].SetValue("")
				m.tokenInputs[i].Blur()
			}
			m.tokenInputs[fieldChain].Focus()

		case "d", "delete":
			if entry, ok := m.selected(); ok {
				if _, err := m.wallet.RemoveToken(entry.ID()); err != nil {
					m.statusMessage = fmt.Sprintf("Remove failed: %v", err)
				} else {
					m.statusMessage = fmt.Sprintf("Removed %s", entry.Symbol)
				}
				cmds = append(cmds, clearStatusAfter(2*time.Second))
			}

		case "r":
			m.loading = true
			m.wallet.RefreshBalances()
			m.statusMessage = "Refreshing balances..."
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "R":
			m.statusMessage = "Pulling token list..."
			cmds = append(cmds, pullRemote(m.wallet))

		case "s":
			m.wallet.RetrySync()
			m.statusMessage = "Sync retry requested"
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "c":
			if err := clipboard.WriteAll(m.wallet.Identity().String()); err != nil {
				m.statusMessage = "Failed to copy to clipboard"
			} else {
				m.statusMessage = "Wallet id copied to clipboard!"
			}
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "o":
			if entry, ok := m.selected(); ok {
				url, ok := m.explorerURL(entry)
				switch {
				case !ok:
					m.statusMessage = "Explorer URL not configured for this chain"
				case openBrowser(url) != nil:
					m.statusMessage = "Failed to open browser"
				default:
					m.statusMessage = "Opened in browser"
				}
				cmds = append(cmds, clearStatusAfter(2*time.Second))
			}

		case "g":
			m.showGraph = !m.showGraph
		case "esc":
			m.showGraph = false

		case "P":
			m.privacyMode = !m.privacyMode
			if !m.privacyMode && m.config.PrivacyTimeoutSeconds > 0 {
				cmds = append(cmds, tea.Tick(time.Duration(m.config.PrivacyTimeoutSeconds)*time.Second, func(t time.Time) tea.Msg {
					return privacyTimeoutMsg{}
				}))
			}
		}

	case uiTickMsg:
		cmds = append(cmds, tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }))

	case clearStatusMsg:
		m.statusMessage = ""
	}

	if m.loading {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) updateTokenForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.addingToken = false
		return m, nil

	case "tab", "down":
		m.focusIdx = (m.focusIdx + 1) % fieldCount
	case "shift+tab", "up":
		m.focusIdx = (m.focusIdx - 1 + fieldCount) % fieldCount

	case "ctrl+f":
		chain := m.tokenInputs[fieldChain].Value()
		contract := m.tokenInputs[fieldContract].Value()
		if m.finder == nil || contract == "" {
			m.statusMessage = "Enter a chain and contract to look up"
			return m, clearStatusAfter(2 * time.Second)
		}
		m.statusMessage = "Fetching token metadata..."
		return m, findToken(m.finder, chain, contract)

	case "enter":
		entry, err := m.tokenFromInputs()
		if err != nil {
			m.statusMessage = err.Error()
			return m, clearStatusAfter(3 * time.Second)
		}
		m.addingToken = false
		m.statusMessage = fmt.Sprintf("Adding %s...", entry.Symbol)
		return m, addToken(m.wallet, entry)

	default:
		var cmd tea.Cmd
		m.tokenInputs[m.focusIdx], cmd = m.tokenInputs[m.focusIdx].Update(msg)
		return m, cmd
	}

	for i := range m.tokenInputs {
		if i == m.focusIdx {
			m.tokenInputs[i].Focus()
		} else {
			m.tokenInputs[i].Blur()
		}
	}
	return m, nil
}

func addToken(w Wallet, entry models.TokenEntry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if _, err := w.AddToken(ctx, entry); err != nil {
			return actionMsg{err: fmt.Errorf("add %s: %w", entry.Symbol, err)}
		}
		return actionMsg{status: fmt.Sprintf("Added %s", entry.Symbol)}
	}
}

func pullRemote(w Wallet) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		changed, err := w.RefreshFromRemote(ctx)
		switch {
		case errors.Is(err, models.ErrLocalChangesPending):
			return actionMsg{status: "Local changes are still uploading"}
		case err != nil:
			return actionMsg{err: err}
		case changed:
			return actionMsg{status: "Token list updated from remote"}
		}
		return actionMsg{status: "Token list already up to date"}
	}
}

func findToken(f TokenFinder, chain, contract string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		entry, err := f.FindToken(ctx, chain, contract)
		return tokenFoundMsg{entry: entry, err: err}
	}
}
