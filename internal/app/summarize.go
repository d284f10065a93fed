package app

import (
	"context"
	"strings"
)

// Summarizer compresses a branch transcript into bullet points. The merge
// engine is its only consumer.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

const summarizeInstructions = "You compress a side conversation for reinsertion into the main thread. " +
	"Return 3-8 terse Markdown bullets (\"- \" prefix), no heading, no code fences. " +
	"Keep decisions, constraints, and conclusions; drop pleasantries."

// gatewaySummarizer implements Summarizer over the completion gateway.
type gatewaySummarizer struct {
	gw Gateway
}

func NewGatewaySummarizer(gw Gateway) Summarizer {
	return &gatewaySummarizer{gw: gw}
}

func (s *gatewaySummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(transcriptLine(t))
		b.WriteString("\n")
	}
	resp, err := s.gw.Respond(ctx, CompletionRequest{
		InputText:    b.String(),
		Kind:         KindSummarize,
		Instructions: summarizeInstructions,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.OutputText), nil
}
