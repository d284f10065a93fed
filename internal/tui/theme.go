package tui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

type Theme struct {
	TextMuted lipgloss.AdaptiveColor
	Accent    lipgloss.AdaptiveColor
	Warn      lipgloss.AdaptiveColor
	Error     lipgloss.AdaptiveColor
	Border    lipgloss.AdaptiveColor

	TopBar   lipgloss.Style
	Pane     lipgloss.Style
	PaneHi   lipgloss.Style
	Footer   lipgloss.Style
	InputBox lipgloss.Style
	Notice   lipgloss.Style
	ErrLine  lipgloss.Style

	RoleYou    lipgloss.Style
	RoleAI     lipgloss.Style
	RoleCtx    lipgloss.Style
	BranchTag  lipgloss.Style
	MergedTag  lipgloss.Style
	PendingTag lipgloss.Style
}

func NewTheme() Theme {
	if os.Getenv("SIDETHREAD_NO_COLOR") == "1" {
		return noColorTheme()
	}

	var t Theme
	t.TextMuted = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}
	t.Accent = lipgloss.AdaptiveColor{Light: "#2563eb", Dark: "#60a5fa"}
	t.Warn = lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}
	t.Error = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}
	t.Border = lipgloss.AdaptiveColor{Light: "#d1d5db", Dark: "#374151"}

	t.TopBar = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.Pane = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Border).Padding(0, 1)
	t.PaneHi = t.Pane.BorderForeground(t.Accent)
	t.Footer = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.InputBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Border).Padding(0, 1)
	t.Notice = lipgloss.NewStyle().Foreground(t.Warn).Italic(true)
	t.ErrLine = lipgloss.NewStyle().Foreground(t.Error)

	t.RoleYou = lipgloss.NewStyle().Bold(true)
	t.RoleAI = lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
	t.RoleCtx = lipgloss.NewStyle().Foreground(t.TextMuted).Italic(true)
	t.BranchTag = lipgloss.NewStyle().Foreground(t.Accent)
	t.MergedTag = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.PendingTag = lipgloss.NewStyle().Foreground(t.Warn)
	return t
}

func noColorTheme() Theme {
	var t Theme
	plain := lipgloss.NewStyle()
	t.TopBar = plain.Bold(true)
	t.Pane = plain.Border(lipgloss.NormalBorder()).Padding(0, 1)
	t.PaneHi = t.Pane
	t.Footer = plain
	t.InputBox = plain.Border(lipgloss.NormalBorder()).Padding(0, 1)
	t.Notice = plain.Italic(true)
	t.ErrLine = plain.Bold(true)
	t.RoleYou = plain.Bold(true)
	t.RoleAI = plain.Bold(true)
	t.RoleCtx = plain.Italic(true)
	t.BranchTag = plain
	t.MergedTag = plain
	t.PendingTag = plain
	return t
}
