// Package tui is the single page terminal interface: a file to process, a
// question to ask, the retrieved documents and the streamed answer.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gamma-omg/rag-answer/docstore"
	"github.com/gamma-omg/rag-answer/shell"
)

// Session is the TUI-facing subset of the shell session.
type Session interface {
	ProcessFile(ctx context.Context, path string, obs shell.Observer) shell.Processed
	Ask(ctx context.Context, query string, obs shell.Observer) shell.Answer
}

// ReprocessMsg asks the model to process path again, e.g. after it changed on
// disk.
type ReprocessMsg struct {
	Path string
}

type (
	eventMsg     shell.Event
	processedMsg shell.Processed
	answeredMsg  shell.Answer
)

const (
	focusFile = iota
	focusQuery
)

type Model struct {
	ctx     context.Context
	session Session
	events  chan shell.Event

	file     textinput.Model
	query    textinput.Model
	focus    int
	viewport viewport.Model

	state   shell.State
	results []docstore.Candidate
	context []docstore.Candidate
	answer  string
	status  string
	failed  bool
	ready   bool
	width   int
}

func New(ctx context.Context, session Session, file string) Model {
	fi := textinput.New()
	fi.Prompt = "file> "
	fi.Placeholder = "path to a JSON file"
	fi.SetValue(file)
	fi.Focus()

	qi := textinput.New()
	qi.Prompt = "ask> "
	qi.Placeholder = "Type a question and press Enter"

	return Model{
		ctx:      ctx,
		session:  session,
		events:   make(chan shell.Event, 64),
		file:     fi,
		query:    qi,
		viewport: viewport.New(80, 10),
		status:   "Process a file, then ask a question. Tab switches fields.",
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		m.width = max(20, msg.Width)
		fw, fh := boxStyle.GetFrameSize()
		// header, two inputs, results and status
		reserved := 1 + 2*(1+fh) + (m.resultLines() + fh) + 1
		m.viewport.Width = m.width - fw
		m.viewport.Height = max(3, msg.Height-reserved-fh)
		m.viewport.SetContent(m.answer)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyTab, tea.KeyShiftTab:
			m.toggleFocus()
			return m, nil
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case ReprocessMsg:
		m.file.SetValue(msg.Path)
		m.setStatus(fmt.Sprintf("%s changed, processing again", msg.Path), false)
		return m, m.process(msg.Path)

	case eventMsg:
		m.handleEvent(shell.Event(msg))
		return m, m.listen()

	case processedMsg:
		// success is reported by EventIndexed, which arrives after the
		// file's last progress event
		return m, nil

	case answeredMsg:
		if msg.Err == nil && msg.Warning == "" {
			m.setStatus(fmt.Sprintf("Answered from %d documents", len(msg.Context)), false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.focus == focusFile {
		m.file, cmd = m.file.Update(msg)
	} else {
		m.query, cmd = m.query.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := headerStyle.Render("RAG Answer") + "  " + stateStyle.Render(m.state.String())
	file := boxStyle.Width(m.width - 2).Render(m.file.View())
	query := boxStyle.Width(m.width - 2).Render(m.query.View())
	results := boxStyle.Width(m.width - 2).Render(m.renderResults())
	answer := boxStyle.Width(m.width - 2).Render(m.viewport.View())

	style := statusStyle
	if m.failed {
		style = errorStyle
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, file, query, results, answer, style.Render(m.status))
}

func (m *Model) toggleFocus() {
	if m.focus == focusFile {
		m.focus = focusQuery
		m.file.Blur()
		m.query.Focus()
		return
	}

	m.focus = focusFile
	m.query.Blur()
	m.file.Focus()
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.state != shell.Idle {
		m.setStatus(fmt.Sprintf("Busy %s, wait for it to finish", m.state), true)
		return m, nil
	}

	if m.focus == focusFile {
		path := strings.TrimSpace(m.file.Value())
		if path == "" {
			return m, nil
		}
		return m, m.process(path)
	}

	q := strings.TrimSpace(m.query.Value())
	if q == "" {
		return m, nil
	}

	ctx, session, obs := m.ctx, m.session, m.observer()
	return m, func() tea.Msg {
		return answeredMsg(session.Ask(ctx, q, obs))
	}
}

func (m Model) process(path string) tea.Cmd {
	ctx, session, obs := m.ctx, m.session, m.observer()
	return func() tea.Msg {
		return processedMsg(session.ProcessFile(ctx, path, obs))
	}
}

// observer forwards session events into the program through listen.
func (m Model) observer() shell.Observer {
	events, ctx := m.events, m.ctx
	return func(e shell.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}
}

func (m Model) listen() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func (m *Model) handleEvent(e shell.Event) {
	switch e.Kind {
	case shell.EventState:
		m.state = e.State
		if e.State == shell.Retrieving {
			m.results = nil
			m.context = nil
			m.answer = ""
			m.viewport.SetContent("")
		}
	case shell.EventIndexed:
		m.setStatus(fmt.Sprintf("Processed %d documents from %s", e.Done, e.Path), false)
	case shell.EventProgress:
		m.setStatus(fmt.Sprintf("Indexing %s: %d/%d", e.Path, e.Done, e.Total), false)
	case shell.EventRetrieved:
		m.results = e.Candidates
	case shell.EventContext:
		m.context = e.Candidates
	case shell.EventChunk:
		m.answer += e.Chunk
		m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(m.answer))
		m.viewport.GotoBottom()
	case shell.EventWarning:
		m.setStatus("Warning: "+e.Message, false)
	case shell.EventError:
		m.setStatus("Error: "+e.Message, true)
	}
}

func (m *Model) setStatus(s string, failed bool) {
	m.status = s
	m.failed = failed
}

func (m Model) resultLines() int {
	return max(1, len(m.results))
}

func (m Model) renderResults() string {
	if len(m.results) == 0 {
		return mutedStyle.Render("No results yet.")
	}

	used := make(map[string]docstore.Candidate, len(m.context))
	for _, c := range m.context {
		used[c.ID] = c
	}

	lines := make([]string, 0, len(m.results))
	for i, c := range m.results {
		line := fmt.Sprintf("%2d. sim=%.3f  %s", i+1, c.Similarity, excerpt(c.Text, m.width-30))
		if u, ok := used[c.ID]; ok {
			line = contextStyle.Render(fmt.Sprintf("%s  rel=%.3f", line, u.Relevance))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	n = max(n, 10)

	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n-1]) + "…"
}

var (
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	stateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	contextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
