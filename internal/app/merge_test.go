package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubSummarizer struct {
	out   string
	err   error
	calls int
	block bool
}

func (s *stubSummarizer) Summarize(ctx context.Context, _ []Turn) (string, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.out, s.err
}

func newTestMerge(gw Gateway, sum Summarizer) (*MergeEngine, *ChainController) {
	chain := NewChainController(gw, zerolog.Nop())
	return NewMergeEngine(chain, sum, zerolog.Nop(), time.Second), chain
}

func forkedBranch(t *testing.T, turns int) *Branch {
	t.Helper()
	s := newTestBranchSet(nil)
	b, err := s.Fork(assistantTurn("fork_point"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < turns; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		b.appendTurn(role, fmt.Sprintf("line %d", i), "")
	}
	return b
}

func TestCloseBranchEmptyOrExcludedIsNoop(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		t.Error("gateway must not be called")
		return CompletionResponse{}, errors.New("unexpected call")
	}}
	e, chain := newTestMerge(gw, &stubSummarizer{})
	defer chain.Close()

	empty := forkedBranch(t, 0)
	empty.IncludeInMain = true
	if out, err := e.CloseBranch(context.Background(), empty); err != nil || out.Merged {
		t.Fatalf("empty branch: outcome=%+v err=%v", out, err)
	}

	excluded := forkedBranch(t, 4)
	if out, err := e.CloseBranch(context.Background(), excluded); err != nil || out.Merged {
		t.Fatalf("excluded branch: outcome=%+v err=%v", out, err)
	}
}

func TestCloseBranchSummaryShortBranchStaysLocal(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return okResponse(n)
	}}
	sum := &stubSummarizer{out: "- should not be used"}
	e, chain := newTestMerge(gw, sum)
	defer chain.Close()

	b := forkedBranch(t, 4)
	b.IncludeInMain = true
	b.Title = "Branch 1"

	out, err := e.CloseBranch(context.Background(), b)
	if err != nil {
		t.Fatalf("CloseBranch: %v", err)
	}
	if !out.Merged {
		t.Fatal("not merged")
	}
	if sum.calls != 0 {
		t.Errorf("summarizer called %d times for a short branch", sum.calls)
	}

	text := out.ContextTurn.Text
	if !strings.HasPrefix(text, `Context from a side thread "Branch 1" (summary):`) {
		t.Errorf("context text = %q", text)
	}
	if !strings.Contains(text, "- user: line 0") {
		t.Errorf("missing local bullet: %q", text)
	}

	if !b.MergedIntoMain || b.MergedAs != IncludeSummary || b.MergedAt.IsZero() {
		t.Errorf("merge bookkeeping = %+v", b)
	}
	if out.ContextTurn.Role != RoleContext {
		t.Errorf("context turn role = %s", out.ContextTurn.Role)
	}
}

func TestCloseBranchSummaryLongBranchCallsSummarizer(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return okResponse(n)
	}}
	sum := &stubSummarizer{out: "- the gist"}
	e, chain := newTestMerge(gw, sum)
	defer chain.Close()

	b := forkedBranch(t, summaryTurnThreshold)
	b.IncludeInMain = true

	out, err := e.CloseBranch(context.Background(), b)
	if err != nil {
		t.Fatalf("CloseBranch: %v", err)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}
	if !strings.Contains(out.ContextTurn.Text, "- the gist") {
		t.Errorf("context text = %q", out.ContextTurn.Text)
	}
}

func TestCloseBranchFullTranscript(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return okResponse(n)
	}}
	e, chain := newTestMerge(gw, &stubSummarizer{})
	defer chain.Close()

	b := forkedBranch(t, 2)
	b.IncludeInMain = true
	b.IncludeMode = IncludeFull

	out, err := e.CloseBranch(context.Background(), b)
	if err != nil {
		t.Fatalf("CloseBranch: %v", err)
	}
	text := out.ContextTurn.Text
	if !strings.Contains(text, "(full transcript)") {
		t.Errorf("context text = %q", text)
	}
	if !strings.Contains(text, "user: line 0") || !strings.Contains(text, "assistant: line 1") {
		t.Errorf("transcript incomplete: %q", text)
	}
	if b.MergedAs != IncludeFull {
		t.Errorf("MergedAs = %s", b.MergedAs)
	}
}

func TestCloseBranchMergesAtMostOnce(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return okResponse(n)
	}}
	e, chain := newTestMerge(gw, &stubSummarizer{})
	defer chain.Close()

	b := forkedBranch(t, 2)
	b.IncludeInMain = true

	if _, err := e.CloseBranch(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	out, err := e.CloseBranch(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Merged {
		t.Error("second close merged again")
	}
	if got := len(chain.Turns()); got != 1 {
		t.Fatalf("chain has %d context turns, want 1", got)
	}
}

func TestCloseBranchConcurrentCloseMergesOnce(t *testing.T) {
	release := make(chan struct{})
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		<-release
		return okResponse(n)
	}}
	e, chain := newTestMerge(gw, &stubSummarizer{})
	defer chain.Close()

	b := forkedBranch(t, 2)
	b.SetInclude(true, IncludeSummary)

	firstDone := make(chan CloseOutcome, 1)
	go func() {
		out, err := e.CloseBranch(context.Background(), b)
		if err != nil {
			t.Errorf("first close: %v", err)
		}
		firstDone <- out
	}()
	waitFor(t, func() bool { return len(gw.callList()) == 1 })

	// A second close racing the in-flight splice fails fast instead of
	// merging a second context turn.
	if _, err := e.CloseBranch(context.Background(), b); !errors.Is(err, ErrBranchBusy) {
		t.Fatalf("err = %v, want ErrBranchBusy", err)
	}

	close(release)
	if out := <-firstDone; !out.Merged {
		t.Fatal("first close did not merge")
	}
	if got := len(chain.Turns()); got != 1 {
		t.Fatalf("chain has %d context turns, want 1", got)
	}
	if !b.Snapshot().MergedIntoMain {
		t.Error("branch not marked merged")
	}

	// The guard clears once the close finishes.
	if out, err := e.CloseBranch(context.Background(), b); err != nil || out.Merged {
		t.Fatalf("close after merge: outcome=%+v err=%v", out, err)
	}
}

func TestCloseBranchSpliceFailureRevertsInclude(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{}, &APIError{Kind: FailUnknown, Message: "down"}
	}}
	e, chain := newTestMerge(gw, &stubSummarizer{})
	defer chain.Close()

	b := forkedBranch(t, 2)
	b.IncludeInMain = true

	if _, err := e.CloseBranch(context.Background(), b); err == nil {
		t.Fatal("want error")
	}
	if b.MergedIntoMain {
		t.Error("branch marked merged after failed splice")
	}
	if b.IncludeInMain {
		t.Error("IncludeInMain not reverted; retry must be explicit")
	}
	if got := len(chain.Turns()); got != 0 {
		t.Errorf("chain mutated on failed merge: %d turns", got)
	}
}

func TestCloseBranchSummarizeTimeout(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		t.Error("splice must not happen on summarize timeout")
		return CompletionResponse{}, errors.New("unexpected call")
	}}
	chain := NewChainController(gw, zerolog.Nop())
	defer chain.Close()
	e := NewMergeEngine(chain, &stubSummarizer{block: true}, zerolog.Nop(), 20*time.Millisecond)

	b := forkedBranch(t, summaryTurnThreshold)
	b.IncludeInMain = true

	_, err := e.CloseBranch(context.Background(), b)
	if !errors.Is(err, ErrSummarizeTimeout) {
		t.Fatalf("err = %v, want ErrSummarizeTimeout", err)
	}
	if b.IncludeInMain {
		t.Error("IncludeInMain not reverted after timeout")
	}
}

func TestGatewaySummarizerFormatsTranscript(t *testing.T) {
	var seen CompletionRequest
	gw := &stubGateway{respond: func(n int, req CompletionRequest) (CompletionResponse, error) {
		seen = req
		return CompletionResponse{ContinuationToken: "tok", OutputText: "  - a bullet \n"}, nil
	}}

	out, err := NewGatewaySummarizer(gw).Summarize(context.Background(), []Turn{
		{Role: RoleUser, Text: "q"},
		{Role: RoleAssistant, Text: "a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "- a bullet" {
		t.Errorf("out = %q", out)
	}
	if seen.Kind != KindSummarize {
		t.Errorf("kind = %s", seen.Kind)
	}
	if !strings.Contains(seen.InputText, "user: q") || !strings.Contains(seen.InputText, "assistant: a") {
		t.Errorf("input = %q", seen.InputText)
	}
	if seen.ContinuationToken != "" {
		t.Error("summarize call must be unchained")
	}
}
