package app

import (
	"context"
	"strings"
)

// threadCategories is the closed category set threads are filed under.
var threadCategories = []string{"coding", "writing", "research", "planning", "chat"}

const categorizeInstructions = "Classify the conversation into exactly one category: " +
	"coding, writing, research, planning, or chat. " +
	"Answer with that single lowercase word and nothing else."

// CategorizeThread asks the gateway to file a thread under one category,
// falling back to keyword heuristics when the call fails or returns something
// outside the set.
func CategorizeThread(ctx context.Context, gw Gateway, title, firstMessage string) string {
	input := strings.TrimSpace(title + "\n" + firstMessage)
	resp, err := gw.Respond(ctx, CompletionRequest{
		InputText:    input,
		Kind:         KindCategorize,
		Instructions: categorizeInstructions,
	})
	if err == nil {
		got := strings.ToLower(strings.TrimSpace(resp.OutputText))
		got = strings.Trim(got, ".\"'")
		for _, c := range threadCategories {
			if got == c {
				return c
			}
		}
	}
	return heuristicCategory(input)
}

// heuristicCategory is the no-network fallback.
func heuristicCategory(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "code") || strings.Contains(t, "bug") ||
		strings.Contains(t, "compile") || strings.Contains(t, "func") ||
		strings.Contains(t, "error"):
		return "coding"
	case strings.Contains(t, "write") || strings.Contains(t, "draft") ||
		strings.Contains(t, "essay") || strings.Contains(t, "blog"):
		return "writing"
	case strings.Contains(t, "research") || strings.Contains(t, "compare") ||
		strings.Contains(t, "why") || strings.Contains(t, "explain"):
		return "research"
	case strings.Contains(t, "plan") || strings.Contains(t, "roadmap") ||
		strings.Contains(t, "schedule") || strings.Contains(t, "steps"):
		return "planning"
	default:
		return "chat"
	}
}
