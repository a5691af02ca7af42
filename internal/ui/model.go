// ABOUTME: Bubbletea model for the engine status TUI
// ABOUTME: Shows playback counters and volume levels, emits control events
package ui

import (
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Cadenza-Audio/cadenza-go/internal/version"
	"github.com/Cadenza-Audio/cadenza-go/pkg/sndserver"
)

const volumeStep = 0.05

// StatusMsg carries engine state into the TUI.
type StatusMsg struct {
	Stats *sndserver.Stats
}

// VolumeChange is emitted when the user adjusts a volume group.
type VolumeChange struct {
	Music float64
	Sound float64
}

// Control carries user intent out of the TUI to the engine wiring. Quit is
// closed rather than sent to, so every listener wakes on a single quit.
type Control struct {
	Volumes chan VolumeChange
	Suspend chan bool
	Quit    chan struct{}

	quitOnce sync.Once
}

// NewControl creates buffered control channels.
func NewControl() *Control {
	return &Control{
		Volumes: make(chan VolumeChange, 16),
		Suspend: make(chan bool, 4),
		Quit:    make(chan struct{}),
	}
}

// signalQuit wakes all Quit listeners. Safe to call more than once.
func (c *Control) signalQuit() {
	c.quitOnce.Do(func() { close(c.Quit) })
}

// Model represents the TUI state
type Model struct {
	control *Control

	stats     sndserver.Stats
	musicVol  float64
	soundVol  float64
	suspended bool

	width  int
	height int
}

// NewModel builds the initial state with both groups at full volume.
func NewModel(control *Control) Model {
	return Model{control: control, musicVol: 1, soundVol: 1}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		if msg.Stats != nil {
			m.stats = *msg.Stats
			m.suspended = msg.Stats.Suspended
		}
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.signalQuit()
		return m, tea.Quit

	case "up":
		m.soundVol = clampVolume(m.soundVol + volumeStep)
		m.sendVolumes()
	case "down":
		m.soundVol = clampVolume(m.soundVol - volumeStep)
		m.sendVolumes()
	case "right":
		m.musicVol = clampVolume(m.musicVol + volumeStep)
		m.sendVolumes()
	case "left":
		m.musicVol = clampVolume(m.musicVol - volumeStep)
		m.sendVolumes()

	case "s":
		m.suspended = !m.suspended
		if m.control != nil {
			select {
			case m.control.Suspend <- m.suspended:
			default:
			}
		}
	}

	return m, nil
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (m Model) sendVolumes() {
	if m.control == nil {
		return
	}
	select {
	case m.control.Volumes <- VolumeChange{Music: m.musicVol, Sound: m.soundVol}:
	default:
	}
}

func (m Model) signalQuit() {
	if m.control != nil {
		m.control.signalQuit()
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	state := "running"
	if m.suspended {
		state = "suspended"
	}
	if m.stats.ShutdownDone {
		state = "shut down"
	}

	s := fmt.Sprintf(`┌─ %s %s ──────────────────────────┐
│ State:   %-40s │
│ Volume:  music %3.0f%%  sound %3.0f%%                    │
├───────────────────────────────────────────────────┤
`, version.Product, version.Version, state, m.musicVol*100, m.soundVol*100)

	s += fmt.Sprintf(`│ Active:  %3d sources  %2d streaming  %2d fading     │
│ Played:  %-8d dropped: %-6d evicted: %-6d │
│ Stopped: %-8d ended:   %-6d pending: %-6d │
└───────────────────────────────────────────────────┘
`,
		m.stats.ActiveSources, m.stats.StreamingCount, m.stats.ActiveFades,
		m.stats.Played, m.stats.Dropped, m.stats.Evicted,
		m.stats.Stopped, m.stats.NaturalEnds, m.stats.PendingReleases)

	s += "↑/↓ sound volume · ←/→ music volume · s suspend · q quit\n"
	return s
}
