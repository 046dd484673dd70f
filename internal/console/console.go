// Package console is the interactive terminal front end. It runs the same
// command dispatcher as the stdio protocol and shows the protocol lines it
// produces.
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/banshee-data/bloom.scanner/internal/ipc"
	"github.com/banshee-data/bloom.scanner/internal/version"
)

const (
	// maxHistory bounds the lines kept on screen.
	maxHistory = 500
	// visibleLines is how much history View renders.
	visibleLines = 20
	// drainInterval is how often asynchronous output is picked up.
	drainInterval = 250 * time.Millisecond
)

const helpText = `Commands:
  help      show this help
  version   show build information
  check     probe camera and DAQ hardware
  exit      quit (also quit, Ctrl+C)
  {...}     send a raw JSON command, e.g. {"command":"daq","action":"status"}`

// Backend is what the console drives.
type Backend interface {
	HandleLine(line string)
	CheckHardware() ipc.HardwareCheck
}

// Output collects protocol lines written by the session until the console
// drains them.
type Output struct {
	mu      sync.Mutex
	pending bytes.Buffer
}

func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Write(p)
}

// Drain returns the complete lines written since the last call.
func (o *Output) Drain() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	data := o.pending.Bytes()
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	lines := strings.Split(string(data[:end]), "\n")
	o.pending.Next(end + 1)
	return lines
}

type drainMsg struct{}

// Model is the bubbletea model of the console.
type Model struct {
	backend Backend
	output  *Output

	input    string
	history  []string
	quitting bool
}

// New returns a console over backend whose protocol output goes to output.
func New(backend Backend, output *Output) Model {
	m := Model{backend: backend, output: output}
	info := version.Get()
	m = m.appendLines(
		"Bloom scanner - interactive mode",
		fmt.Sprintf("Version %s", info),
		"Type 'help' for commands, 'exit' to quit.",
	)
	return m
}

func drainTick() tea.Cmd {
	return tea.Tick(drainInterval, func(time.Time) tea.Msg { return drainMsg{} })
}

// Init implements tea.Model interface.
func (m Model) Init() tea.Cmd {
	return drainTick()
}

// Update implements tea.Model interface.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case drainMsg:
		return m.drain(), drainTick()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m.quit()
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input)
			m.input = ""
			if line == "" {
				return m, nil
			}
			return m.run(line)
		case tea.KeyEsc:
			m.input = ""
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				r := []rune(m.input)
				m.input = string(r[:len(r)-1])
			}
		case tea.KeySpace:
			m.input += " "
		case tea.KeyRunes:
			m.input += string(msg.Runes)
		}
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	m = m.appendLines("Shutting down...")
	return m, tea.Quit
}

func (m Model) run(line string) (tea.Model, tea.Cmd) {
	m = m.appendLines("> " + line)
	switch strings.ToLower(line) {
	case "exit", "quit":
		return m.quit()
	case "help":
		return m.appendLines(strings.Split(helpText, "\n")...), nil
	case "version":
		b, _ := json.Marshal(version.Get())
		return m.appendLines(string(b)), nil
	case "check":
		b, err := json.MarshalIndent(m.backend.CheckHardware(), "", "  ")
		if err != nil {
			return m.appendLines("check failed: " + err.Error()), nil
		}
		return m.appendLines(strings.Split(string(b), "\n")...), nil
	}
	if strings.HasPrefix(line, "{") {
		m.backend.HandleLine(line)
		return m.drain(), nil
	}
	return m.appendLines("Unknown command: " + line), nil
}

func (m Model) drain() Model {
	if m.output == nil {
		return m
	}
	lines := m.output.Drain()
	for i, l := range lines {
		if payload, ok := strings.CutPrefix(l, ipc.PrefixFrame); ok {
			lines[i] = fmt.Sprintf("%s<%d bytes>", ipc.PrefixFrame, len(payload))
		}
	}
	return m.appendLines(lines...)
}

func (m Model) appendLines(lines ...string) Model {
	h := append(append([]string(nil), m.history...), lines...)
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	m.history = h
	return m
}

// History returns every line currently kept.
func (m Model) History() []string { return m.history }

// Input returns the line being typed.
func (m Model) Input() string { return m.input }

// View implements tea.Model interface.
func (m Model) View() string {
	var b strings.Builder
	start := max(0, len(m.history)-visibleLines)
	for _, l := range m.history[start:] {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if m.quitting {
		return b.String()
	}
	b.WriteString("> " + m.input)
	b.WriteString("\n\n(Enter to run, Esc to clear, Ctrl+C to quit)")
	return b.String()
}
