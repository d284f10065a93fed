package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBranchSet(gw Gateway) *BranchSet {
	return NewBranchSet(gw, zerolog.Nop())
}

func assistantTurn(ref string) Turn {
	return Turn{LocalID: "t2", Role: RoleAssistant, Text: "reply", ContinuationRef: ref}
}

func TestForkRequiresAssistantTurnWithRef(t *testing.T) {
	s := newTestBranchSet(nil)

	cases := []struct {
		name   string
		parent Turn
	}{
		{"user turn", Turn{LocalID: "t1", Role: RoleUser, Text: "q"}},
		{"assistant without ref", Turn{LocalID: "t2", Role: RoleAssistant, Text: "a"}},
		{"context turn", Turn{LocalID: "t3", Role: RoleContext, Text: "c", ContinuationRef: "tok"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Fork(tc.parent); !errors.Is(err, ErrNotForkable) {
				t.Fatalf("err = %v, want ErrNotForkable", err)
			}
		})
	}
}

func TestForkTitlesCountPerParent(t *testing.T) {
	s := newTestBranchSet(nil)

	b1, err := s.Fork(assistantTurn("tok_a"))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := s.Fork(assistantTurn("tok_a"))
	if err != nil {
		t.Fatal(err)
	}
	if b1.Title != "Branch 1" || b2.Title != "Branch 2" {
		t.Errorf("titles = %q, %q", b1.Title, b2.Title)
	}
	if b1.ID == b2.ID {
		t.Error("branch ids collide")
	}
	if b1.IncludeMode != IncludeSummary {
		t.Errorf("default include mode = %s", b1.IncludeMode)
	}
}

func TestBranchSendUsesForkPointOnlyForFirstCall(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{
			ContinuationToken: fmt.Sprintf("btok_%d", n),
			OutputText:        "branch reply",
		}, nil
	}}
	s := newTestBranchSet(gw)

	b, err := s.Fork(assistantTurn("fork_point"))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := s.Send(ctx, b, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(ctx, b, "second"); err != nil {
		t.Fatal(err)
	}

	calls := gw.callList()
	if calls[0].ContinuationToken != "fork_point" {
		t.Errorf("first base = %q, want fork_point", calls[0].ContinuationToken)
	}
	if calls[1].ContinuationToken != "btok_1" {
		t.Errorf("second base = %q, want btok_1", calls[1].ContinuationToken)
	}
	// The fork point is immutable regardless of branch progress.
	if b.ParentContinuationRef() != "fork_point" {
		t.Errorf("fork point mutated to %q", b.ParentContinuationRef())
	}

	turns := b.Turns()
	if len(turns) != 4 {
		t.Fatalf("got %d branch turns, want 4", len(turns))
	}
}

func TestBranchSendFailureKeepsUserTurnOnly(t *testing.T) {
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{}, &APIError{Kind: FailUnknown, Message: "down"}
	}}
	s := newTestBranchSet(gw)

	b, err := s.Fork(assistantTurn("fork_point"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), b, "question"); err == nil {
		t.Fatal("want error")
	}

	turns := b.Turns()
	if len(turns) != 1 || turns[0].Role != RoleUser {
		t.Fatalf("turns = %v, want the lone user turn", roles(turns))
	}
	if b.ContinuationToken() != "" {
		t.Errorf("token = %q, want empty after failure", b.ContinuationToken())
	}
}

func TestBranchSendIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	gw := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		<-release
		return CompletionResponse{ContinuationToken: "btok", OutputText: "ok"}, nil
	}}
	s := newTestBranchSet(gw)

	b, err := s.Fork(assistantTurn("fork_point"))
	if err != nil {
		t.Fatal(err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), b, "first")
		firstDone <- err
	}()
	waitFor(t, func() bool { return len(gw.callList()) == 1 })

	if _, err := s.Send(context.Background(), b, "second"); !errors.Is(err, ErrBranchBusy) {
		t.Fatalf("err = %v, want ErrBranchBusy", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first send: %v", err)
	}

	// The flag clears once the send finishes.
	waitFor(t, func() bool {
		_, err := s.Send(context.Background(), b, "third")
		return err == nil
	})
}

func TestBranchesRunConcurrentlyWithMainChain(t *testing.T) {
	chainRelease := make(chan struct{})
	chainGW := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		<-chainRelease
		return okResponse(n)
	}}
	branchGW := &stubGateway{respond: func(n int, _ CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{ContinuationToken: "btok", OutputText: "fast"}, nil
	}}

	c := newTestChain(chainGW)
	defer c.Close()
	s := newTestBranchSet(branchGW)

	chainDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "slow main send", KindFast)
		chainDone <- err
	}()
	waitFor(t, func() bool { return len(chainGW.callList()) == 1 })

	// A branch send completes while the main send is still blocked.
	b, err := s.Fork(assistantTurn("fork_point"))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		if _, err := s.Send(context.Background(), b, "branch question"); err != nil {
			t.Errorf("branch send: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("branch send blocked behind the main chain queue")
	}

	close(chainRelease)
	if err := <-chainDone; err != nil {
		t.Fatal(err)
	}
}
