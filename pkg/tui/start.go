package tui

import (
	"fmt"
	"os"

	"walletsync/pkg/config"
	"walletsync/pkg/watcher"

	tea "github.com/charmbracelet/bubbletea"
)

func Start(w Wallet, events *watcher.Watcher, finder TokenFinder, cfg config.Config, version string) {
	Version = version
	sub := events.Subscribe()
	defer events.Unsubscribe(sub)

	m := initialModel(w, sub, cfg.Chains, cfg.GlobalConfig)
	m.finder = finder
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
