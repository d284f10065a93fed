package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"sidethread/internal/app"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	cfg := app.DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	cfg.TaskDelayMS = 5

	application, err := app.NewApplication(cfg, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	t.Cleanup(application.Close)

	m := NewModel(application, application.OpenThread("test"))
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m
}

func TestHelpCommand(t *testing.T) {
	m := newTestModel(t)
	m.runCommand("/help")
	if !strings.Contains(m.notice, "/fork") {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestUnknownCommand(t *testing.T) {
	m := newTestModel(t)
	m.runCommand("/bogus")
	if !strings.Contains(m.errText, "unknown command") {
		t.Errorf("errText = %q", m.errText)
	}
}

func TestForkCommandRequiresAssistantTurn(t *testing.T) {
	m := newTestModel(t)
	m.runCommand("/fork")
	if m.errText == "" {
		t.Error("fork on empty chain should report an error")
	}

	if _, err := m.app.Send(context.Background(), m.conv, "hello", false); err != nil {
		t.Fatal(err)
	}
	m.errText = ""
	m.runCommand("/fork")
	if m.errText != "" {
		t.Fatalf("fork failed: %s", m.errText)
	}
	if m.viewBranch == "" {
		t.Error("fork did not switch the view to the new branch")
	}
	if len(m.conv.Branches.Branches()) != 1 {
		t.Error("no branch created")
	}
}

func TestBranchAndMainCommands(t *testing.T) {
	m := newTestModel(t)
	if _, err := m.app.Send(context.Background(), m.conv, "hello", false); err != nil {
		t.Fatal(err)
	}
	m.runCommand("/fork")

	m.runCommand("/main")
	if m.viewBranch != "" {
		t.Error("/main did not return to the main chain")
	}

	m.runCommand("/branch 1")
	if m.viewBranch == "" {
		t.Error("/branch 1 did not select the branch")
	}
	m.runCommand("/branch 9")
	if m.errText == "" {
		t.Error("out-of-range branch index should report an error")
	}
}

func TestCloseCommandOutsideBranch(t *testing.T) {
	m := newTestModel(t)
	if cmd := m.startClose(nil); cmd != nil {
		t.Error("close outside a branch should not start a merge")
	}
	if m.errText == "" {
		t.Error("no error reported")
	}
}

func TestRenderTurnRoles(t *testing.T) {
	m := newTestModel(t)
	cases := []struct {
		turn app.Turn
		want string
	}{
		{app.Turn{Role: app.RoleUser, Text: "q"}, "you"},
		{app.Turn{Role: app.RoleAssistant, Text: "a"}, "ai"},
		{app.Turn{Role: app.RoleContext, Text: "c"}, "ctx"},
	}
	for _, tc := range cases {
		if got := m.renderTurn(tc.turn); !strings.Contains(got, tc.want) {
			t.Errorf("renderTurn(%s) = %q, want %q tag", tc.turn.Role, got, tc.want)
		}
	}
}

func TestBranchLine(t *testing.T) {
	m := newTestModel(t)
	if got := m.branchLine(); got != "" {
		t.Errorf("branch line with no branches = %q", got)
	}

	if _, err := m.app.Send(context.Background(), m.conv, "hello", false); err != nil {
		t.Fatal(err)
	}
	m.runCommand("/fork")
	line := m.branchLine()
	if !strings.Contains(line, "Branch 1") {
		t.Errorf("branch line = %q", line)
	}
}

func TestResetCommandShowsNoticeAndClears(t *testing.T) {
	m := newTestModel(t)
	if _, err := m.app.Send(context.Background(), m.conv, "hello", false); err != nil {
		t.Fatal(err)
	}
	m.runCommand("/reset")
	if len(m.conv.Chain.Turns()) != 0 {
		t.Error("chain not cleared")
	}
	if m.notice == "" {
		t.Error("no notice after reset")
	}
}
