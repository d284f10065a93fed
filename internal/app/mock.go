package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// mockGateway simulates the hosted completion service so the demo runs
// without an API key and tests stay deterministic. It issues its own
// continuation tokens and rejects tokens it never issued with the same
// failure class the real service uses, so the reset+retry path is exercised
// for real (for example after loading a stale token from disk).
type mockGateway struct {
	mu     sync.Mutex
	seq    int
	issued map[string]bool
}

func newMockGateway() *mockGateway {
	return &mockGateway{issued: map[string]bool{}}
}

func (m *mockGateway) Respond(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ContinuationToken != "" && !m.issued[req.ContinuationToken] {
		return CompletionResponse{}, &APIError{
			Kind:    FailContinuationNotFound,
			Status:  404,
			Message: fmt.Sprintf("previous response not found: %s", req.ContinuationToken),
		}
	}

	m.seq++
	token := fmt.Sprintf("resp_mock_%06d", m.seq)
	m.issued[token] = true

	return CompletionResponse{
		ContinuationToken: token,
		OutputText:        mockOutput(req),
	}, nil
}

func mockOutput(req CompletionRequest) string {
	input := strings.ToLower(strings.TrimSpace(req.InputText))

	switch req.Kind {
	case KindSummarize:
		return mockSummary(req.InputText)
	case KindCategorize:
		return heuristicCategory(input)
	case KindFind:
		return mockFindMatches(req.InputText)
	}

	switch {
	case input == "":
		return "Say something and I'll pick it up from there."
	case strings.Contains(input, "hello") || strings.Contains(input, "hi"):
		return "Hello! This is the mock completion service. Fork a branch to explore a side question."
	case strings.Contains(input, "context from a side thread"):
		return "Noted. I've folded the side-thread context into this conversation."
	case strings.HasPrefix(input, "task finished"):
		return "Understood — the generated code is now part of our context."
	default:
		if req.Kind == KindDeep {
			return "Thinking it through carefully: " + truncateEllipsis(req.InputText, 160)
		}
		return "Mock reply to: " + truncateEllipsis(req.InputText, 160)
	}
}

// mockFindMatches answers a find prompt the way the real model would: a JSON
// array of the numbered thread lines that share a word with the search
// request.
func mockFindMatches(input string) string {
	lines := strings.Split(input, "\n")
	var query []string
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, "Search request:"); ok {
			query = strings.Fields(strings.ToLower(rest))
			break
		}
	}

	var matches []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		dot := strings.Index(line, ". ")
		if dot <= 0 {
			continue
		}
		idx := line[:dot]
		if _, err := fmt.Sscanf(idx, "%d", new(int)); err != nil {
			continue
		}
		lower := strings.ToLower(line[dot+2:])
		for _, word := range query {
			if strings.Contains(lower, word) {
				matches = append(matches, idx)
				break
			}
		}
	}
	return "[" + strings.Join(matches, ",") + "]"
}

// mockSummary produces a deterministic bullet summary shaped like the real
// summarizer output, so merged branches look identical in either mode.
func mockSummary(input string) string {
	lines := strings.Split(input, "\n")
	var bullets []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bullets = append(bullets, "- "+truncateEllipsis(line, 120))
		if len(bullets) >= 6 {
			break
		}
	}
	if len(bullets) == 0 {
		return "- (empty side thread)"
	}
	return strings.Join(bullets, "\n")
}
