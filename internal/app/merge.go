package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrSummarizeTimeout distinguishes a summarization timeout from a generic
// merge failure; the UI wording differs between the two.
var ErrSummarizeTimeout = errors.New("merge: summarization timed out")

// summaryTurnThreshold is the branch length below which the summary path is
// formatted locally instead of calling the summarizer. Short branches cost
// more in round-trip latency than the compression is worth; the output shape
// is identical either way.
const summaryTurnThreshold = 10

// CloseOutcome reports what closing a branch did.
type CloseOutcome struct {
	Merged bool
	// ContextTurn is the single turn spliced into the main chain when
	// Merged is true.
	ContextTurn Turn
}

// MergeEngine folds a closed branch back into the main chain: exactly one
// context turn per merge, attached to the live chain head (never to the
// branch's own token, however stale the fork point has become).
type MergeEngine struct {
	chain     *ChainController
	sum       Summarizer
	log       zerolog.Logger
	timeout   time.Duration
	threshold int
	clock     func() time.Time
}

func NewMergeEngine(chain *ChainController, sum Summarizer, logger zerolog.Logger, timeout time.Duration) *MergeEngine {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &MergeEngine{
		chain:     chain,
		sum:       sum,
		log:       logger.With().Str("component", "merge").Logger(),
		timeout:   timeout,
		threshold: summaryTurnThreshold,
		clock:     time.Now,
	}
}

// CloseBranch runs the branch-closing state machine. A branch merges at most
// once; closing an empty, excluded, or already-merged branch is a no-op, and
// a close racing an in-flight close fails with ErrBranchBusy. On failure the
// branch is left unmerged and IncludeInMain is reverted so the user must
// explicitly retry.
func (e *MergeEngine) CloseBranch(ctx context.Context, b *Branch) (CloseOutcome, error) {
	turns := b.Turns()
	include, mode, merged, err := b.beginClose()
	if err != nil {
		return CloseOutcome{}, err
	}
	defer b.endClose()

	if len(turns) == 0 || !include || merged {
		return CloseOutcome{}, nil
	}

	content, err := e.mergeContent(ctx, b.Title, mode, turns)
	if err != nil {
		b.SetInclude(false, mode)
		return CloseOutcome{}, err
	}

	turn, err := e.chain.IngestContext(ctx, content)
	if err != nil {
		b.SetInclude(false, mode)
		return CloseOutcome{}, fmt.Errorf("merge: splice into main chain: %w", err)
	}

	b.markMerged(mode, e.clock())
	e.log.Info().Str("branch", b.ID).Str("mode", string(mode)).Msg("branch merged into main")
	return CloseOutcome{Merged: true, ContextTurn: turn}, nil
}

func (e *MergeEngine) mergeContent(ctx context.Context, title string, mode IncludeMode, turns []Turn) (string, error) {
	switch mode {
	case IncludeFull:
		return wrapMergeContext(title, IncludeFull, branchTranscript(turns)), nil
	default:
		bullets, err := e.summaryBullets(ctx, turns)
		if err != nil {
			return "", err
		}
		return wrapMergeContext(title, IncludeSummary, bullets), nil
	}
}

// summaryBullets chooses the cheap path purely by turn count.
func (e *MergeEngine) summaryBullets(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) < e.threshold {
		return localBullets(turns), nil
	}

	sumCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.sum.Summarize(sumCtx, turns)
	if err != nil {
		var apiErr *APIError
		timedOut := errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &apiErr) && apiErr.Kind == FailTimeout)
		if timedOut {
			return "", fmt.Errorf("%w: %v", ErrSummarizeTimeout, err)
		}
		return "", fmt.Errorf("merge: summarize branch: %w", err)
	}
	return out, nil
}

func wrapMergeContext(title string, mode IncludeMode, body string) string {
	label := "summary"
	if mode == IncludeFull {
		label = "full transcript"
	}
	return fmt.Sprintf("Context from a side thread %q (%s): %s", title, label, body)
}

func branchTranscript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, transcriptLine(t))
	}
	return strings.Join(lines, "\n")
}

// localBullets formats short branches without a gateway round trip. The
// output must be indistinguishable in shape from a summarizer result.
func localBullets(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, "- "+string(t.Role)+": "+truncateEllipsis(collapseWhitespace(t.Text), 120))
	}
	return strings.Join(lines, "\n")
}
