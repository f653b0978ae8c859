package tui

import (
	"fmt"
	"strings"

	"walletsync/pkg/models"
	"walletsync/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
)

func (m model) View() string {
	if m.showHelp {
		return m.viewHelp()
	}

	if m.addingToken {
		return m.viewTokenForm()
	}

	if m.showGraph {
		return m.viewGraph()
	}

	header := titleStyle.Render(fmt.Sprintf("%s  %s", m.wallet.Name(), m.wallet.Identity().Short()))
	if Version != "" {
		header += subtleStyle.Render("  " + Version)
	}

	total := infoStyle.Render("Total: " + m.totalLabel())
	if m.balance.Total.Partial {
		total = partialStyle.Render("Total: " + m.totalLabel())
	}
	if m.loading {
		total = m.spinner.View() + " " + total
	}
	syncLine := "Sync: " + syncLabel(m.sync)
	if m.sync.State == models.SyncFailed {
		syncLine = errStyle.Render(syncLine)
	} else {
		syncLine = subtleStyle.Render(syncLine)
	}

	account := ""
	if entry, ok := m.selected(); ok {
		if addr, ok := m.accounts[entry.ID().Chain]; ok {
			account = subtleStyle.Render(fmt.Sprintf("%s account: %s", entry.Chain, m.mask(utils.ShortAddress(addr))))
		}
	}

	content := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		header,
		"\n",
		total,
		syncLine,
		"\n",
		m.viewTable(),
		account,
	))

	footer := subtleStyle.Render("a: add • d: remove • r: refresh • R: pull • s: retry sync • c: copy id • g: graph • ?: help • q: quit")
	status := ""
	if m.statusMessage != "" {
		status = infoStyle.Render(m.statusMessage)
	} else if !m.lastUpdate.IsZero() {
		status = subtleStyle.Render("Updated " + m.lastUpdate.Format("15:04:05"))
	}

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
		lipgloss.JoinVertical(lipgloss.Center, content, "\n", status, footer))
}

func (m model) viewTable() string {
	rows := m.tokenRows()
	if len(rows) == 0 {
		return subtleStyle.Render("No tokens tracked. Press a to add one.")
	}

	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("  %-8s %-10s %20s %12s %14s", "Token", "Chain", "Balance", "Price", "Value")))
	b.WriteString("\n")
	for i, r := range rows {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		line := fmt.Sprintf("%s%-8s %-10s %20s %12s %14s",
			cursor,
			utils.TruncateString(r.symbol, 8),
			utils.TruncateString(r.chain, 10),
			r.amount, r.price, r.value)
		switch r.state {
		case models.BalanceFailed:
			line = errStyle.Render(line + "  " + utils.TruncateString(r.problem, 30))
		case models.BalancePending:
			line = pendingRowStyle.Render(line)
		default:
			if i == m.cursor {
				line = selectedRowStyle.Render(line)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.balance.Unpriced) > 0 {
		b.WriteString(subtleStyle.Render(fmt.Sprintf("%d token(s) without a price", len(m.balance.Unpriced))))
	}
	return b.String()
}

func (m model) viewTokenForm() string {
	labels := []string{"Chain", "Contract", "Symbol", "Decimals", "CoinGecko ID"}
	var inputs []string
	for i, label := range labels {
		inputs = append(inputs, fmt.Sprintf("%-15s %s", label, m.tokenInputs[i].View()))
	}

	footer := "Tab to move • Enter to save • Esc to cancel"
	if m.finder != nil {
		footer = "Tab to move • Ctrl+F to look up contract • Enter to save • Esc to cancel"
	}
	body := []string{
		titleStyle.Render("Add Token"),
		"\n",
		strings.Join(inputs, "\n"),
		"\n",
		subtleStyle.Render(footer),
	}
	if m.statusMessage != "" {
		body = append(body, infoStyle.Render(m.statusMessage))
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
		boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...)))
}

func (m model) viewGraph() string {
	currency := strings.ToUpper(m.balance.Total.Currency)
	header := titleStyle.Render("Wallet Value")

	var graph string
	if len(m.totalHistory) > 1 && !m.privacyMode {
		width := m.width - 20
		if width < 20 {
			width = 20
		}
		height := m.height - 12
		if height < 5 {
			height = 5
		}
		graph = asciigraph.Plot(m.totalHistory,
			asciigraph.Height(height),
			asciigraph.Width(width),
			asciigraph.Caption(fmt.Sprintf("Wallet Value History (%s)", currency)),
		)
	} else if m.privacyMode {
		graph = "Hidden in privacy mode."
	} else {
		graph = "Not enough data to draw graph."
	}

	content := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, header, "\n", graph))
	footer := subtleStyle.Render("g: toggle graph • q/esc: back")

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, lipgloss.JoinVertical(lipgloss.Center, content, "\n", footer))
}

func (m model) viewHelp() string {
	shortcuts := []string{
		"↑/k: Up", "↓/j: Down",
		"a: Add token", "d/del: Remove token",
		"r: Refresh balances", "R: Pull token list",
		"s: Retry sync", "c: Copy wallet id",
		"o: Open in explorer", "g: Toggle graph",
		"P: Privacy mode", "q: Quit",
	}
	content := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Help"),
		"\n",
		strings.Join(shortcuts, "\n"),
		"\n",
		subtleStyle.Render("?: close help"),
	))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, content)
}
