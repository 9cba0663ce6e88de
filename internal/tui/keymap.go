package tui

import "charm.land/bubbles/v2/key"

// keyMap represents key map data used by this package.
type keyMap struct {
	quit       key.Binding
	resync     key.Binding
	toggleHelp key.Binding
	moveUp     key.Binding
	moveDown   key.Binding
	filter     key.Binding
	clear      key.Binding
}

// newKeyMap constructs key map.
func newKeyMap() keyMap {
	return keyMap{
		quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		resync:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resync")),
		toggleHelp: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
		moveUp:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		moveDown:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		filter:     key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "cycle filter")),
		clear:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "clear filter")),
	}
}

// ShortHelp handles short help.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.resync, k.filter, k.toggleHelp, k.quit}
}

// FullHelp handles full help.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.resync, k.filter, k.clear, k.toggleHelp, k.quit},
		{k.moveUp, k.moveDown},
	}
}
