package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const findInstructions = "You match a search request against numbered conversation threads. " +
	"Return a JSON array of the matching thread numbers, best match first, e.g. [2,0]. " +
	"Return [] when nothing matches. No prose, no code fences."

// FindThreads resolves a natural-language query against stored threads via
// the gateway, with a substring fallback when the call fails or the reply is
// unparseable.
func FindThreads(ctx context.Context, gw Gateway, query string, threads []Thread) []Thread {
	if len(threads) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search request: %s\n\nThreads:\n", strings.TrimSpace(query))
	for i, t := range threads {
		line := t.Title
		if t.Category != "" {
			line += " [" + t.Category + "]"
		}
		fmt.Fprintf(&b, "%d. %s\n", i, truncateEllipsis(collapseWhitespace(line), 120))
	}

	resp, err := gw.Respond(ctx, CompletionRequest{
		InputText:    b.String(),
		Kind:         KindFind,
		Instructions: findInstructions,
	})
	if err != nil {
		return substringMatch(query, threads)
	}
	indices, ok := parseIndexArray(resp.OutputText, len(threads))
	if !ok {
		return substringMatch(query, threads)
	}
	out := make([]Thread, 0, len(indices))
	for _, i := range indices {
		out = append(out, threads[i])
	}
	return out
}

// parseIndexArray pulls a JSON int array out of model output, tolerating
// code fences and surrounding prose.
func parseIndexArray(s string, n int) ([]int, bool) {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var raw []int
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, false
	}
	seen := map[int]bool{}
	out := make([]int, 0, len(raw))
	for _, i := range raw {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out, true
}

func substringMatch(query string, threads []Thread) []Thread {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Thread
	for _, t := range threads {
		if strings.Contains(strings.ToLower(t.Title), q) ||
			strings.Contains(strings.ToLower(t.Category), q) {
			out = append(out, t)
		}
	}
	return out
}
