// ABOUTME: TUI program setup
// ABOUTME: Wires the model into a bubbletea program with alt-screen mode
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run builds the TUI program. The caller starts it with Program.Run and
// pushes state with Program.Send(StatusMsg{...}).
func Run(control *Control) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(control), tea.WithAltScreen())
	return p, nil
}
