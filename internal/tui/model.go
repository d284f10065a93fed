// Package tui is the interactive terminal front end: a main chat pane, a
// branch list, and slash commands for forking, merging, tasks, and reset.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sidethread/internal/app"
)

type sendDoneMsg struct {
	result app.SendResult
	err    error
}

type branchDoneMsg struct {
	branchID string
	err      error
}

type mergeDoneMsg struct {
	branchID string
	outcome  app.CloseOutcome
	err      error
}

type ingestDoneMsg struct {
	count int
	err   error
}

type spinMsg struct{}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Model drives one conversation. viewBranch == "" means the main chain is
// shown; otherwise the named branch is.
type Model struct {
	app  *app.Application
	conv *app.Conversation

	theme Theme

	width  int
	height int
	ready  bool

	input      textarea.Model
	inputWidth int
	chatVP     viewport.Model

	viewBranch string
	deep       bool

	busy       bool
	spinnerPos int
	status     string
	notice     string
	errText    string
}

func NewModel(application *app.Application, conv *app.Conversation) *Model {
	ta := textarea.New()
	ta.Placeholder = "Message, or /help for commands"
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(1)
	ta.Prompt = " "
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()

	return &Model{
		app:   application,
		conv:  conv,
		theme: NewTheme(),
		input: ta,
	}
}

func (m *Model) Init() tea.Cmd {
	return textarea.Blink
}

func spinTick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg { return spinMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatH := max(3, m.height-8)
		chatW := max(20, m.width-4)
		if !m.ready {
			m.chatVP = viewport.New(chatW, chatH)
			m.ready = true
		} else {
			m.chatVP.Width = chatW
			m.chatVP.Height = chatH
		}
		m.inputWidth = max(10, m.width-6)
		m.input.SetWidth(m.inputWidth)
		m.refreshChat()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.viewBranch != "" {
				m.viewBranch = ""
				m.refreshChat()
				return m, nil
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.errText = ""
			m.notice = ""
			if strings.HasPrefix(text, "/") {
				return m, m.runCommand(text)
			}
			return m, m.startSend(text)
		}

	case spinMsg:
		if m.busy {
			m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
			return m, spinTick()
		}
		return m, nil

	case sendDoneMsg:
		m.busy = false
		m.status = ""
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else if msg.result.ChainReset {
			m.notice = "chain was reset, continuing"
		}
		m.refreshChat()
		return m, nil

	case branchDoneMsg:
		m.busy = false
		m.status = ""
		if msg.err != nil {
			m.errText = msg.err.Error()
		}
		m.refreshChat()
		return m, nil

	case mergeDoneMsg:
		m.busy = false
		m.status = ""
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else if msg.outcome.Merged {
			m.notice = "branch merged into main"
			m.viewBranch = ""
		} else {
			m.notice = "branch closed without merging"
			m.viewBranch = ""
		}
		m.refreshChat()
		return m, nil

	case ingestDoneMsg:
		m.busy = false
		m.status = ""
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.notice = fmt.Sprintf("ingested %d task result(s)", msg.count)
		}
		m.refreshChat()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.chatVP, cmd = m.chatVP.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) startSend(text string) tea.Cmd {
	m.busy = true

	if m.viewBranch != "" {
		branch, ok := m.conv.Branches.Get(m.viewBranch)
		if !ok {
			m.busy = false
			m.errText = "branch no longer exists"
			return nil
		}
		m.status = "thinking (branch)"
		id := branch.ID
		return tea.Batch(spinTick(), func() tea.Msg {
			_, err := m.conv.Branches.Send(context.Background(), branch, text)
			return branchDoneMsg{branchID: id, err: err}
		})
	}

	m.status = "thinking"
	if m.deep {
		m.status = "thinking (deep)"
	}
	deep := m.deep
	return tea.Batch(spinTick(), func() tea.Msg {
		result, err := m.app.Send(context.Background(), m.conv, text, deep)
		return sendDoneMsg{result: result, err: err}
	})
}

func (m *Model) runCommand(raw string) tea.Cmd {
	fields := strings.Fields(raw)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "help":
		m.notice = "/fork  /branch N  /main  /close [summary|full|drop]  /deep  /task <prompt>  /ingest  /reset  /quit"
	case "quit", "exit":
		return tea.Quit
	case "deep":
		m.deep = !m.deep
		if m.deep {
			m.notice = "deep mode on"
		} else {
			m.notice = "deep mode off"
		}
	case "fork":
		parent, ok := m.conv.Chain.LastAssistantTurn()
		if !ok {
			m.errText = "nothing to fork from yet"
			break
		}
		b, err := m.conv.Branches.Fork(parent)
		if err != nil {
			m.errText = err.Error()
			break
		}
		m.viewBranch = b.ID
		m.notice = fmt.Sprintf("forked %s from %s", b.Title, parent.LocalID)
	case "branch":
		if len(args) == 0 {
			m.errText = "usage: /branch N"
			break
		}
		n, err := strconv.Atoi(args[0])
		branches := m.conv.Branches.Branches()
		if err != nil || n < 1 || n > len(branches) {
			m.errText = "no such branch"
			break
		}
		m.viewBranch = branches[n-1].ID
	case "main":
		m.viewBranch = ""
	case "close":
		return m.startClose(args)
	case "task":
		if len(args) == 0 {
			m.errText = "usage: /task <prompt>"
			break
		}
		task := m.app.SubmitTask(context.Background(), m.conv, strings.Join(args, " "))
		m.notice = fmt.Sprintf("task %s started", shortID(task.ID))
	case "ingest":
		m.busy = true
		m.status = "ingesting task results"
		return tea.Batch(spinTick(), func() tea.Msg {
			n, err := m.app.IngestCompletedTasks(context.Background(), m.conv)
			return ingestDoneMsg{count: n, err: err}
		})
	case "reset":
		m.conv.Chain.Reset()
		m.viewBranch = ""
		m.notice = "chain cleared"
	default:
		m.errText = "unknown command: /" + name
	}
	m.refreshChat()
	return nil
}

func (m *Model) startClose(args []string) tea.Cmd {
	if m.viewBranch == "" {
		m.errText = "switch to a branch first (/branch N)"
		return nil
	}
	branch, ok := m.conv.Branches.Get(m.viewBranch)
	if !ok {
		m.errText = "branch no longer exists"
		return nil
	}

	include, mode := true, app.IncludeSummary
	if len(args) > 0 {
		switch args[0] {
		case "full":
			mode = app.IncludeFull
		case "summary":
		case "drop":
			include = false
		default:
			m.errText = "usage: /close [summary|full|drop]"
			return nil
		}
	}
	branch.SetInclude(include, mode)

	m.busy = true
	m.status = "merging branch"
	id := branch.ID
	return tea.Batch(spinTick(), func() tea.Msg {
		outcome, err := m.conv.Merger.CloseBranch(context.Background(), branch)
		return mergeDoneMsg{branchID: id, outcome: outcome, err: err}
	})
}

func (m *Model) refreshChat() {
	if !m.ready {
		return
	}
	var turns []app.Turn
	if m.viewBranch != "" {
		if b, ok := m.conv.Branches.Get(m.viewBranch); ok {
			turns = b.Turns()
		}
	} else {
		turns = m.conv.Chain.Turns()
	}

	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(m.renderTurn(t))
		sb.WriteString("\n")
	}
	m.chatVP.SetContent(sb.String())
	m.chatVP.GotoBottom()
}

func (m *Model) renderTurn(t app.Turn) string {
	switch t.Role {
	case app.RoleUser:
		return m.theme.RoleYou.Render("you") + "  " + t.Text
	case app.RoleAssistant:
		return m.theme.RoleAI.Render("ai") + "   " + t.Text
	default:
		return m.theme.RoleCtx.Render("ctx  " + t.Text)
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	title := m.conv.Title
	if title == "" {
		title = "new thread"
	}
	where := "main"
	if m.viewBranch != "" {
		if b, ok := m.conv.Branches.Get(m.viewBranch); ok {
			where = b.Title
		}
	}
	top := m.theme.TopBar.Render(fmt.Sprintf("sidethread · %s · %s", title, where))

	pane := m.theme.Pane
	if m.viewBranch != "" {
		pane = m.theme.PaneHi
	}
	chat := pane.Width(m.chatVP.Width + 2).Render(m.chatVP.View())

	var lines []string
	lines = append(lines, top, chat)

	if bl := m.branchLine(); bl != "" {
		lines = append(lines, bl)
	}
	if m.notice != "" {
		lines = append(lines, m.theme.Notice.Render(m.notice))
	}
	if m.errText != "" {
		lines = append(lines, m.theme.ErrLine.Render(m.errText))
	}

	lines = append(lines, m.theme.InputBox.Width(m.inputWidth+2).Render(m.input.View()))

	footer := "enter send · esc main · /help"
	if m.busy {
		footer = spinnerFrames[m.spinnerPos] + " " + m.status
	}
	lines = append(lines, m.theme.Footer.Render(footer))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// branchLine summarizes branches: "[1] Branch 1 ✓merged  [2] Branch 2".
func (m *Model) branchLine() string {
	branches := m.conv.Branches.Branches()
	if len(branches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(branches))
	for i, br := range branches {
		b := br.Snapshot()
		tag := fmt.Sprintf("[%d] %s", i+1, b.Title)
		switch {
		case b.MergedIntoMain:
			parts = append(parts, m.theme.MergedTag.Render(tag+" ✓merged"))
		case b.ID == m.viewBranch:
			parts = append(parts, m.theme.BranchTag.Render("▸"+tag))
		default:
			parts = append(parts, m.theme.PendingTag.Render(tag))
		}
	}
	return strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run starts the interactive session on a fresh thread.
func Run(application *app.Application) error {
	conv := application.OpenThread("")
	p := tea.NewProgram(NewModel(application, conv), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
