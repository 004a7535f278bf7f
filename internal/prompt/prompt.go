package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrAborted is returned when the user cancels a prompt.
var ErrAborted = errors.New("prompt aborted")

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
)

// TerminalPrompter implements interactive confirmation, text entry, pauses
// and selection on the controlling terminal.
type TerminalPrompter struct{}

// New creates a TerminalPrompter.
func New() *TerminalPrompter {
	return &TerminalPrompter{}
}

// Confirm asks a yes/no question, defaulting to no.
func (p *TerminalPrompter) Confirm(label string) (bool, error) {
	model, err := run(confirmModel{label: label})
	if err != nil {
		return false, err
	}
	m := model.(confirmModel)
	if m.aborted {
		return false, ErrAborted
	}
	return m.confirmed, nil
}

// Input reads a line of text; secret input is echoed as asterisks.
func (p *TerminalPrompter) Input(label string, secret bool) (string, error) {
	ti := textinput.New()
	ti.Focus()
	ti.Cursor.Style = cursorStyle
	if secret {
		ti.EchoMode = textinput.EchoPassword
	}

	model, err := run(inputModel{label: label, input: ti})
	if err != nil {
		return "", err
	}
	m := model.(inputModel)
	if m.aborted {
		return "", ErrAborted
	}
	return m.input.Value(), nil
}

// Pause blocks until the user presses enter.
func (p *TerminalPrompter) Pause(label string) error {
	model, err := run(pauseModel{label: label})
	if err != nil {
		return err
	}
	if model.(pauseModel).aborted {
		return ErrAborted
	}
	return nil
}

// Select picks one option from a list with the arrow keys.
func (p *TerminalPrompter) Select(label string, options []string) (string, error) {
	if len(options) == 0 {
		return "", errors.New("nothing to select from")
	}
	model, err := run(selectModel{label: label, options: options})
	if err != nil {
		return "", err
	}
	m := model.(selectModel)
	if m.aborted {
		return "", ErrAborted
	}
	return m.options[m.index], nil
}

func run(model tea.Model) (tea.Model, error) {
	return tea.NewProgram(model).Run()
}

type confirmModel struct {
	label     string
	confirmed bool
	aborted   bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y":
			m.confirmed = true
			return m, tea.Quit
		case "n", "N", "enter", "esc":
			return m, tea.Quit
		case "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	return labelStyle.Render(m.label) + " [y/N] "
}

type inputModel struct {
	label   string
	input   textinput.Model
	aborted bool
}

func (m inputModel) Init() tea.Cmd { return textinput.Blink }

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.aborted = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return fmt.Sprintf("%s\n%s", labelStyle.Render(m.label), m.input.View())
}

type pauseModel struct {
	label   string
	aborted bool
}

func (m pauseModel) Init() tea.Cmd { return nil }

func (m pauseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter", " ":
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.aborted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m pauseModel) View() string {
	return labelStyle.Render(m.label) + " "
}

type selectModel struct {
	label   string
	options []string
	index   int
	aborted bool
}

func (m selectModel) Init() tea.Cmd { return nil }

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "up", "k":
			if m.index > 0 {
				m.index--
			}
		case "down", "j":
			if m.index < len(m.options)-1 {
				m.index++
			}
		case "enter":
			return m, tea.Quit
		case "ctrl+c", "esc", "q":
			m.aborted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m selectModel) View() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(m.label))
	b.WriteString("\n")
	for i, option := range m.options {
		if i == m.index {
			b.WriteString(cursorStyle.Render("> " + option))
		} else {
			b.WriteString("  " + option)
		}
		b.WriteString("\n")
	}
	return b.String()
}
